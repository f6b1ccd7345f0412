// Package state persists coordinator and peer state between runs.
//
// Inventories are stored in the line format of entry.Tree.SaveText so the
// files stay readable and diffable; identities and the store index are YAML.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fogmesh/fog/pkg/entry"
)

// ErrUnknownBackend is returned by Open for an unrecognised backend name.
var ErrUnknownBackend = errors.New("unknown state backend")

// Node is a persisted peer identity.
type Node struct {
	Token       uuid.UUID
	Name        string
	Host        string
	Stores      []uuid.UUID
	LastCheckIn time.Time
}

// Store is a persisted store with its inventory.
type Store struct {
	ID      uuid.UUID
	Name    string
	Owner   uuid.UUID
	Entries []*entry.Entry
}

// Snapshot is the coordinator's registry state. Slices keep registration order.
type Snapshot struct {
	Nodes   []Node
	Stores  []Store
	Entries []*entry.Entry // global inventory
}

// Empty reports whether the snapshot holds nothing.
func (s *Snapshot) Empty() bool {
	return len(s.Nodes) == 0 && len(s.Stores) == 0 && len(s.Entries) == 0
}

// Backend loads and saves coordinator snapshots.
type Backend interface {
	// Load returns the last saved snapshot, or an empty one if nothing was saved.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Open returns the backend named by kind ("file" or "postgres").
func Open(kind, dir, databaseURL string) (Backend, error) {
	switch kind {
	case "", "file":
		return NewFileBackend(dir), nil
	case "postgres":
		return OpenPostgres(databaseURL)
	default:
		return nil, ErrUnknownBackend
	}
}
