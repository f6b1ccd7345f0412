package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fogmesh/fog/pkg/entry"
	"github.com/fogmesh/fog/pkg/proto"
)

const (
	indexFile   = "index.yaml"
	entriesFile = "entries.txt"
	peerFile    = "peer.yaml"
	storesDir   = "stores"
)

type nodeRecord struct {
	Token       string    `yaml:"token"`
	Name        string    `yaml:"name"`
	Host        string    `yaml:"host,omitempty"`
	Stores      []string  `yaml:"stores,omitempty"`
	LastCheckIn time.Time `yaml:"last_checkin,omitempty"`
}

type storeRecord struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Owner string `yaml:"owner,omitempty"`
	Path  string `yaml:"path,omitempty"`
}

type indexRecord struct {
	Nodes  []nodeRecord  `yaml:"nodes"`
	Stores []storeRecord `yaml:"stores"`
}

// FileBackend keeps coordinator state in a directory:
// index.yaml (nodes and stores), entries.txt (global inventory) and
// stores/<id>.txt (one inventory per store).
type FileBackend struct {
	dir string
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend returns a backend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

// Dir returns the state directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// Load reads the snapshot. Returns an empty snapshot if no index exists.
func (b *FileBackend) Load(_ context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	var index indexRecord
	ok, err := readYAML(filepath.Join(b.dir, indexFile), &index)
	if err != nil || !ok {
		return snap, err
	}

	for _, rec := range index.Nodes {
		n := Node{Name: rec.Name, Host: rec.Host, LastCheckIn: rec.LastCheckIn}
		if n.Token, err = proto.ParseID(rec.Token); err != nil {
			return nil, fmt.Errorf("node %q: %w", rec.Name, err)
		}
		for _, raw := range rec.Stores {
			id, err := proto.ParseID(raw)
			if err != nil {
				return nil, fmt.Errorf("node %q store: %w", rec.Name, err)
			}
			n.Stores = append(n.Stores, id)
		}
		snap.Nodes = append(snap.Nodes, n)
	}

	for _, rec := range index.Stores {
		s := Store{Name: rec.Name}
		if s.ID, err = proto.ParseID(rec.ID); err != nil {
			return nil, fmt.Errorf("store %q: %w", rec.Name, err)
		}
		if rec.Owner != "" {
			if s.Owner, err = proto.ParseID(rec.Owner); err != nil {
				return nil, fmt.Errorf("store %q owner: %w", rec.Name, err)
			}
		}
		if s.Entries, err = readEntries(b.storePath(s.ID)); err != nil {
			return nil, fmt.Errorf("store %q: %w", rec.Name, err)
		}
		snap.Stores = append(snap.Stores, s)
	}

	if snap.Entries, err = readEntries(filepath.Join(b.dir, entriesFile)); err != nil {
		return nil, fmt.Errorf("global inventory: %w", err)
	}
	return snap, nil
}

// Save writes the snapshot, replacing the previous one. Inventory files of
// stores no longer present are removed.
func (b *FileBackend) Save(_ context.Context, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Join(b.dir, storesDir), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	index := indexRecord{
		Nodes:  make([]nodeRecord, 0, len(snap.Nodes)),
		Stores: make([]storeRecord, 0, len(snap.Stores)),
	}
	for _, n := range snap.Nodes {
		rec := nodeRecord{
			Token:       proto.FormatID(n.Token),
			Name:        n.Name,
			Host:        n.Host,
			LastCheckIn: n.LastCheckIn,
		}
		for _, id := range n.Stores {
			rec.Stores = append(rec.Stores, proto.FormatID(id))
		}
		index.Nodes = append(index.Nodes, rec)
	}

	keep := make(map[string]bool, len(snap.Stores))
	for _, s := range snap.Stores {
		rec := storeRecord{ID: proto.FormatID(s.ID), Name: s.Name}
		if s.Owner != uuid.Nil {
			rec.Owner = proto.FormatID(s.Owner)
		}
		index.Stores = append(index.Stores, rec)
		keep[rec.ID+".txt"] = true

		if err := writeEntries(b.storePath(s.ID), s.Entries); err != nil {
			return err
		}
	}

	if err := writeEntries(filepath.Join(b.dir, entriesFile), snap.Entries); err != nil {
		return err
	}
	if err := writeYAML(filepath.Join(b.dir, indexFile), &index); err != nil {
		return err
	}
	return pruneStores(filepath.Join(b.dir, storesDir), keep)
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) storePath(id uuid.UUID) string {
	return filepath.Join(b.dir, storesDir, proto.FormatID(id)+".txt")
}

// PeerStore is a store hosted by a peer.
type PeerStore struct {
	ID      uuid.UUID
	Name    string
	Path    string
	Entries []*entry.Entry
}

// PeerState is a peer's identity and its stores.
type PeerState struct {
	Token  uuid.UUID
	Name   string
	Server string
	Stores []PeerStore
}

type peerRecord struct {
	Token  string        `yaml:"token,omitempty"`
	Name   string        `yaml:"name"`
	Server string        `yaml:"server,omitempty"`
	Stores []storeRecord `yaml:"stores"`
}

// LoadPeer reads peer state from dir. Returns an empty state if none was saved.
func LoadPeer(dir string) (*PeerState, error) {
	st := &PeerState{}

	var rec peerRecord
	ok, err := readYAML(filepath.Join(dir, peerFile), &rec)
	if err != nil || !ok {
		return st, err
	}

	st.Name = rec.Name
	st.Server = rec.Server
	if rec.Token != "" {
		if st.Token, err = proto.ParseID(rec.Token); err != nil {
			return nil, fmt.Errorf("peer token: %w", err)
		}
	}
	for _, sr := range rec.Stores {
		ps := PeerStore{Name: sr.Name, Path: sr.Path}
		if ps.ID, err = proto.ParseID(sr.ID); err != nil {
			return nil, fmt.Errorf("store %q: %w", sr.Name, err)
		}
		if ps.Entries, err = readEntries(filepath.Join(dir, storesDir, sr.ID+".txt")); err != nil {
			return nil, fmt.Errorf("store %q: %w", sr.Name, err)
		}
		st.Stores = append(st.Stores, ps)
	}
	return st, nil
}

// SavePeer writes peer state to dir.
func SavePeer(dir string, st *PeerState) error {
	if err := os.MkdirAll(filepath.Join(dir, storesDir), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	rec := peerRecord{Name: st.Name, Server: st.Server, Stores: make([]storeRecord, 0, len(st.Stores))}
	if st.Token != uuid.Nil {
		rec.Token = proto.FormatID(st.Token)
	}
	keep := make(map[string]bool, len(st.Stores))
	for _, ps := range st.Stores {
		id := proto.FormatID(ps.ID)
		rec.Stores = append(rec.Stores, storeRecord{ID: id, Name: ps.Name, Path: ps.Path})
		keep[id+".txt"] = true
		if err := writeEntries(filepath.Join(dir, storesDir, id+".txt"), ps.Entries); err != nil {
			return err
		}
	}

	if err := writeYAML(filepath.Join(dir, peerFile), &rec); err != nil {
		return err
	}
	return pruneStores(filepath.Join(dir, storesDir), keep)
}

// readYAML decodes path into v. It reports false if the file does not exist.
func readYAML(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, data)
}

// readEntries parses an inventory file, keeping line order. A missing file
// is an empty inventory.
func readEntries(path string) ([]*entry.Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var entries []*entry.Entry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		e, err := entry.ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func writeEntries(path string, entries []*entry.Entry) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Line())
		b.WriteByte('\n')
	}
	return writeFile(path, []byte(b.String()))
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func pruneStores(dir string, keep map[string]bool) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".txt") || keep[f.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
			return fmt.Errorf("remove stale store file: %w", err)
		}
	}
	return nil
}
