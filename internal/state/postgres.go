package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/fogmesh/fog/pkg/entry"
	"github.com/fogmesh/fog/pkg/proto"
)

const schema = `
CREATE TABLE IF NOT EXISTS fog_nodes (
	token        TEXT PRIMARY KEY,
	seq          INTEGER NOT NULL,
	name         TEXT NOT NULL,
	host         TEXT NOT NULL DEFAULT '',
	last_checkin TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS fog_stores (
	id    TEXT PRIMARY KEY,
	seq   INTEGER NOT NULL,
	name  TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS fog_entries (
	store_id TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	path     TEXT NOT NULL,
	digest   BYTEA NOT NULL,
	ticks    BIGINT NOT NULL,
	PRIMARY KEY (store_id, path)
);
`

// globalStore is the store_id under which the global inventory is kept.
const globalStore = ""

// PostgresBackend keeps coordinator state in PostgreSQL.
type PostgresBackend struct {
	db *sql.DB
}

var _ Backend = (*PostgresBackend)(nil)

// OpenPostgres connects to databaseURL and creates the tables if needed.
func OpenPostgres(databaseURL string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

// Close closes the database connection.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

// Load reads the snapshot from the database.
func (b *PostgresBackend) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	inventories, err := b.loadEntries(ctx)
	if err != nil {
		return nil, err
	}
	snap.Entries = inventories[globalStore]

	owned := make(map[uuid.UUID][]uuid.UUID)
	rows, err := b.db.QueryContext(ctx, `SELECT id, name, owner FROM fog_stores ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query stores: %w", err)
	}
	for rows.Next() {
		var id, name, owner string
		if err := rows.Scan(&id, &name, &owner); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan store: %w", err)
		}
		s := Store{Name: name, Entries: inventories[id]}
		if s.ID, err = proto.ParseID(id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store %q: %w", name, err)
		}
		if owner != "" {
			if s.Owner, err = proto.ParseID(owner); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("store %q owner: %w", name, err)
			}
			owned[s.Owner] = append(owned[s.Owner], s.ID)
		}
		snap.Stores = append(snap.Stores, s)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, `SELECT token, name, host, last_checkin FROM fog_nodes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	for rows.Next() {
		var token, name, host string
		var lastCheckIn sql.NullTime
		if err := rows.Scan(&token, &name, &host, &lastCheckIn); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n := Node{Name: name, Host: host}
		if lastCheckIn.Valid {
			n.LastCheckIn = lastCheckIn.Time.UTC()
		}
		if n.Token, err = proto.ParseID(token); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
		n.Stores = owned[n.Token]
		snap.Nodes = append(snap.Nodes, n)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *PostgresBackend) loadEntries(ctx context.Context) (map[string][]*entry.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT store_id, path, digest, ticks FROM fog_entries ORDER BY store_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}

	out := make(map[string][]*entry.Entry)
	for rows.Next() {
		var storeID, path string
		var digest []byte
		var ticks int64
		if err := rows.Scan(&storeID, &path, &digest, &ticks); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e, err := entry.New(path, digest, entry.FromTicks(ticks))
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("entry %q: %w", path, err)
		}
		out[storeID] = append(out[storeID], e)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	return out, nil
}

// Save replaces the stored snapshot in one transaction.
func (b *PostgresBackend) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"fog_entries", "fog_stores", "fog_nodes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i, n := range snap.Nodes {
		var lastCheckIn sql.NullTime
		if !n.LastCheckIn.IsZero() {
			lastCheckIn = sql.NullTime{Time: n.LastCheckIn, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fog_nodes (token, seq, name, host, last_checkin) VALUES ($1, $2, $3, $4, $5)`,
			proto.FormatID(n.Token), i, n.Name, n.Host, lastCheckIn); err != nil {
			return fmt.Errorf("insert node %q: %w", n.Name, err)
		}
	}

	for i, s := range snap.Stores {
		owner := ""
		if s.Owner != uuid.Nil {
			owner = proto.FormatID(s.Owner)
		}
		id := proto.FormatID(s.ID)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fog_stores (id, seq, name, owner) VALUES ($1, $2, $3, $4)`,
			id, i, s.Name, owner); err != nil {
			return fmt.Errorf("insert store %q: %w", s.Name, err)
		}
		if err := insertEntries(ctx, tx, id, s.Entries); err != nil {
			return err
		}
	}

	if err := insertEntries(ctx, tx, globalStore, snap.Entries); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertEntries(ctx context.Context, tx *sql.Tx, storeID string, entries []*entry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fog_entries (store_id, seq, path, digest, ticks) VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare entry insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, storeID, i, e.Path(), e.Digest(), entry.ToTicks(e.Updated())); err != nil {
			return fmt.Errorf("insert entry %q: %w", e.Path(), err)
		}
	}
	return nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("rows error: %w", err)
	}
	return rows.Close()
}
