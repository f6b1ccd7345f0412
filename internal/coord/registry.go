package coord

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/internal/state"
	"github.com/fogmesh/fog/pkg/entry"
)

var (
	// ErrNodeNotFound is returned for an unknown peer token.
	ErrNodeNotFound = fmt.Errorf("%w: unknown peer token", node.ErrAuthentication)
	// ErrStoreNotFound is returned for an unknown store ID.
	ErrStoreNotFound = fmt.Errorf("%w: unknown store", node.ErrNotFound)
	// ErrEntryNotFound is returned when the global inventory has no entry at a path.
	ErrEntryNotFound = fmt.Errorf("%w: no such entry", node.ErrNotFound)
)

// NodeInfo describes a registered peer.
type NodeInfo struct {
	Token       uuid.UUID
	Name        string
	Host        string // empty until the first check-in
	Stores      []uuid.UUID
	LastCheckIn time.Time
}

// StoreInfo describes a registered store and its inventory.
type StoreInfo struct {
	ID    uuid.UUID
	Name  string
	Owner uuid.UUID
	Tree  *entry.Tree
}

// Candidate is a store able to serve a repair.
type Candidate struct {
	StoreID uuid.UUID
	Owner   uuid.UUID
	Host    string
	Entry   *entry.Entry
}

// Registry holds peers, stores and the global inventory. A single RWMutex
// guards the maps and their order slices; the trees lock themselves.
type Registry struct {
	mu         sync.RWMutex
	nodes      map[uuid.UUID]*NodeInfo
	nodeOrder  []uuid.UUID
	stores     map[uuid.UUID]*StoreInfo
	storeOrder []uuid.UUID
	global     *entry.Tree
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:  make(map[uuid.UUID]*NodeInfo),
		stores: make(map[uuid.UUID]*StoreInfo),
		global: entry.NewTree(),
	}
}

// Global returns the global inventory tree.
func (r *Registry) Global() *entry.Tree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global
}

// AddNode records a new peer with a fresh token.
func (r *Registry) AddNode(name string) uuid.UUID {
	info := &NodeInfo{Token: uuid.New(), Name: name}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[info.Token] = info
	r.nodeOrder = append(r.nodeOrder, info.Token)
	return info.Token
}

// AddStore creates an empty store owned by token.
func (r *Registry) AddStore(token uuid.UUID, name string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.nodes[token]
	if !ok {
		return uuid.Nil, ErrNodeNotFound
	}

	s := &StoreInfo{ID: uuid.New(), Name: name, Owner: token, Tree: entry.NewTree()}
	r.stores[s.ID] = s
	r.storeOrder = append(r.storeOrder, s.ID)
	owner.Stores = append(owner.Stores, s.ID)
	return s.ID, nil
}

// CheckIn records host as the peer's reachable address.
func (r *Registry) CheckIn(token uuid.UUID, host string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.nodes[token]
	if !ok {
		return ErrNodeNotFound
	}
	info.Host = host
	info.LastCheckIn = now
	return nil
}

// Node returns a copy of the peer registered under token.
func (r *Registry) Node(token uuid.UUID) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.nodes[token]
	if !ok {
		return NodeInfo{}, false
	}
	return copyNode(info), true
}

// Store returns the store registered under id.
func (r *Registry) Store(id uuid.UUID) (*StoreInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[id]
	return s, ok
}

// Owns reports whether token owns the store id.
func (r *Registry) Owns(token, id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[id]
	return ok && s.Owner == token
}

// Nodes returns all peers in registration order.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeInfo, 0, len(r.nodeOrder))
	for _, token := range r.nodeOrder {
		out = append(out, copyNode(r.nodes[token]))
	}
	return out
}

// Stores returns all stores in registration order.
func (r *Registry) Stores() []*StoreInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*StoreInfo, 0, len(r.storeOrder))
	for _, id := range r.storeOrder {
		out = append(out, r.stores[id])
	}
	return out
}

// NodeCount returns the number of registered peers.
func (r *Registry) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// StoreCount returns the number of registered stores.
func (r *Registry) StoreCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stores)
}

// EntryCount returns the size of the global inventory.
func (r *Registry) EntryCount() int {
	return r.Global().Len()
}

// Permit copies the global entry at path into the store's inventory,
// replacing an older grant for the same path.
func (r *Registry) Permit(storeID uuid.UUID, path string) (*entry.Entry, error) {
	s, ok := r.Store(storeID)
	if !ok {
		return nil, ErrStoreNotFound
	}
	e, ok := r.Global().File(path)
	if !ok {
		return nil, ErrEntryNotFound
	}
	s.Tree.Replace(e)
	return e, nil
}

// Revoke removes the entry at path from the store's inventory.
func (r *Registry) Revoke(storeID uuid.UUID, path string) error {
	s, ok := r.Store(storeID)
	if !ok {
		return ErrStoreNotFound
	}
	e, ok := s.Tree.File(path)
	if !ok {
		return ErrEntryNotFound
	}
	s.Tree.Delete(e)
	return nil
}

// PermitDir grants every file directly under the global directory dir and
// returns how many were granted.
func (r *Registry) PermitDir(storeID uuid.UUID, dir string) (int, error) {
	s, ok := r.Store(storeID)
	if !ok {
		return 0, ErrStoreNotFound
	}
	d, ok := r.Global().Navigate(dir, false)
	if !ok {
		return 0, fmt.Errorf("%w: no such directory", node.ErrNotFound)
	}

	files := d.Files()
	for _, e := range files {
		s.Tree.Replace(e)
	}
	return len(files), nil
}

// Candidates returns the stores other than exclude that hold want exactly
// and whose owner has checked in, in registration order. The scan holds the
// read lock throughout.
func (r *Registry) Candidates(exclude uuid.UUID, want *entry.Entry) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Candidate
	for _, id := range r.storeOrder {
		if id == exclude {
			continue
		}
		s := r.stores[id]
		e, ok := s.Tree.File(want.Path())
		if !ok || !e.Equal(want) {
			continue
		}
		owner, ok := r.nodes[s.Owner]
		if !ok || owner.Host == "" {
			continue
		}
		out = append(out, Candidate{StoreID: id, Owner: s.Owner, Host: owner.Host, Entry: e})
	}
	return out
}

// Snapshot captures the registry for persistence.
func (r *Registry) Snapshot() *state.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &state.Snapshot{
		Nodes:   make([]state.Node, 0, len(r.nodeOrder)),
		Stores:  make([]state.Store, 0, len(r.storeOrder)),
		Entries: sortedEntries(r.global),
	}
	for _, token := range r.nodeOrder {
		n := r.nodes[token]
		snap.Nodes = append(snap.Nodes, state.Node{
			Token:       n.Token,
			Name:        n.Name,
			Host:        n.Host,
			Stores:      append([]uuid.UUID(nil), n.Stores...),
			LastCheckIn: n.LastCheckIn,
		})
	}
	for _, id := range r.storeOrder {
		s := r.stores[id]
		snap.Stores = append(snap.Stores, state.Store{
			ID:      s.ID,
			Name:    s.Name,
			Owner:   s.Owner,
			Entries: sortedEntries(s.Tree),
		})
	}
	return snap
}

// Restore replaces the registry contents with snap. Conflicting duplicate
// entries in the snapshot are reported together; the first one wins.
func (r *Registry) Restore(snap *state.Snapshot) error {
	nodes := make(map[uuid.UUID]*NodeInfo, len(snap.Nodes))
	nodeOrder := make([]uuid.UUID, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes[n.Token] = &NodeInfo{
			Token:       n.Token,
			Name:        n.Name,
			Host:        n.Host,
			Stores:      append([]uuid.UUID(nil), n.Stores...),
			LastCheckIn: n.LastCheckIn,
		}
		nodeOrder = append(nodeOrder, n.Token)
	}

	var errs []error
	stores := make(map[uuid.UUID]*StoreInfo, len(snap.Stores))
	storeOrder := make([]uuid.UUID, 0, len(snap.Stores))
	for _, s := range snap.Stores {
		tree, err := treeOf(s.Entries)
		if err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", s.Name, err))
		}
		stores[s.ID] = &StoreInfo{ID: s.ID, Name: s.Name, Owner: s.Owner, Tree: tree}
		storeOrder = append(storeOrder, s.ID)
	}

	global, err := treeOf(snap.Entries)
	if err != nil {
		errs = append(errs, fmt.Errorf("global inventory: %w", err))
	}

	r.mu.Lock()
	r.nodes, r.nodeOrder = nodes, nodeOrder
	r.stores, r.storeOrder = stores, storeOrder
	r.global = global
	r.mu.Unlock()

	return errors.Join(errs...)
}

func treeOf(entries []*entry.Entry) (*entry.Tree, error) {
	tree := entry.NewTree()
	var errs []error
	for _, e := range entries {
		if err := tree.Add(e); err != nil {
			errs = append(errs, err)
		}
	}
	return tree, errors.Join(errs...)
}

func sortedEntries(t *entry.Tree) []*entry.Entry {
	entries := t.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path() < entries[j].Path() })
	return entries
}

func copyNode(n *NodeInfo) NodeInfo {
	out := *n
	out.Stores = append([]uuid.UUID(nil), n.Stores...)
	return out
}
