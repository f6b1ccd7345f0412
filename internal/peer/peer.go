// Package peer implements a fog peer: a node that hosts stores, keeps them in
// line with the inventory the coordinator grants, repairs files that fail
// verification and serves relay copies to other peers.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fogmesh/fog/internal/logging/audit"
	"github.com/fogmesh/fog/internal/metrics"
	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/internal/state"
	"github.com/fogmesh/fog/internal/store"
	"github.com/fogmesh/fog/pkg/proto"
)

var (
	// ErrStoreNotFound is returned for a ticket addressed to a store this peer does not host.
	ErrStoreNotFound = fmt.Errorf("%w: store not hosted here", node.ErrNotFound)
	// ErrTicketNotFound is returned when no live ticket is staged under an operation ID.
	ErrTicketNotFound = fmt.Errorf("%w: unknown or expired ticket", node.ErrNotFound)
	// ErrNotJoined is returned by operations that need a peer token before Join.
	ErrNotJoined = errors.New("peer has not joined a coordinator")
)

// Downloader fetches a file from a repair locator.
type Downloader interface {
	Download(ctx context.Context, locator string) ([]byte, error)
}

// Options configures a Peer.
type Options struct {
	Name        string
	Coordinator node.Node  // operations a peer cannot answer itself are forwarded here
	Downloader  Downloader // nil uses Coordinator when it can download
	Digest      store.Digest
	TicketTTL   time.Duration
	FetchDelay  time.Duration // pause between a repair request and the download
	Retry       node.RetryConfig
	Metrics     *metrics.PeerMetrics // nil uses a private registry
	Audit       *audit.Logger        // nil disables audit events
}

// StoreSpec declares a local store by name and root directory.
type StoreSpec struct {
	Name string
	Path string
}

// Peer is a fog peer node.
type Peer struct {
	opts    Options
	coord   node.Node
	dl      Downloader
	tickets *TicketStore
	metrics *metrics.PeerMetrics
	audit   *audit.Logger

	mu     sync.RWMutex
	token  uuid.UUID
	server string
	stores []*store.Store
	byID   map[uuid.UUID]*store.Store
}

var _ node.Node = (*Peer)(nil)

// New creates a peer. It has no identity until Join or Restore.
func New(opts Options) *Peer {
	p := &Peer{
		opts:    opts,
		coord:   opts.Coordinator,
		dl:      opts.Downloader,
		tickets: NewTicketStore(opts.TicketTTL),
		metrics: opts.Metrics,
		audit:   opts.Audit,
		byID:    make(map[uuid.UUID]*store.Store),
	}
	if p.dl == nil {
		p.dl, _ = opts.Coordinator.(Downloader)
	}
	if p.metrics == nil {
		p.metrics = metrics.NewPeerMetrics(nil, opts.Name)
	}
	if p.audit == nil {
		p.audit = audit.Nop()
	}
	return p
}

// Name returns the peer name.
func (p *Peer) Name() string { return p.opts.Name }

// Token returns the peer token, or uuid.Nil before joining.
func (p *Peer) Token() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// SetServer records the coordinator URL saved with the peer state.
func (p *Peer) SetServer(server string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.server = server
}

// Tickets returns the staged relay tickets.
func (p *Peer) Tickets() *TicketStore { return p.tickets }

// Metrics returns the peer's metric set.
func (p *Peer) Metrics() *metrics.PeerMetrics { return p.metrics }

// Stores returns the hosted stores in the order they were attached.
func (p *Peer) Stores() []*store.Store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*store.Store(nil), p.stores...)
}

// Store returns the hosted store with the given ID.
func (p *Peer) Store(id uuid.UUID) (*store.Store, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.byID[id]
	return s, ok
}

// AttachStore starts hosting s. A store with the same ID is replaced.
func (p *Peer) AttachStore(s *store.Store) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[s.ID]; ok {
		for i, cur := range p.stores {
			if cur.ID == s.ID {
				p.stores[i] = s
			}
		}
	} else {
		p.stores = append(p.stores, s)
	}
	p.byID[s.ID] = s
}

func (p *Peer) storeNamed(name string) *store.Store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.stores {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Join registers the peer with the coordinator unless it already has a
// token, then creates a coordinator-side store for every StoreSpec not yet hosted.
func (p *Peer) Join(ctx context.Context, accessToken string, specs []StoreSpec) error {
	if p.Token() == uuid.Nil {
		if _, err := p.Register(ctx, accessToken, p.opts.Name); err != nil {
			return fmt.Errorf("register: %w", err)
		}
	}

	for _, spec := range specs {
		if p.storeNamed(spec.Name) != nil {
			continue
		}
		id, err := p.AddStore(ctx, p.Token(), spec.Name)
		if err != nil {
			return fmt.Errorf("add store %q: %w", spec.Name, err)
		}
		p.AttachStore(store.New(id, spec.Name, spec.Path, p.opts.Digest))
		log.Info().
			Str("store", proto.FormatID(id)).
			Str("name", spec.Name).
			Str("path", spec.Path).
			Msg("store created")
	}
	return nil
}

// Register forwards to the coordinator and adopts the minted token.
func (p *Peer) Register(ctx context.Context, accessToken, name string) (uuid.UUID, error) {
	token, err := p.coord.Register(ctx, accessToken, name)
	if err != nil {
		return uuid.Nil, err
	}
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()

	log.Info().Str("token", proto.FormatID(token)).Str("name", name).Msg("registered with coordinator")
	return token, nil
}

// AddStore forwards to the coordinator.
func (p *Peer) AddStore(ctx context.Context, token uuid.UUID, name string) (uuid.UUID, error) {
	return p.coord.AddStore(ctx, token, name)
}

// CheckIn forwards to the coordinator.
func (p *Peer) CheckIn(ctx context.Context, token uuid.UUID, addr string) error {
	return p.coord.CheckIn(ctx, token, addr)
}

// GetInventory forwards to the coordinator.
func (p *Peer) GetInventory(ctx context.Context, storeID uuid.UUID) (*proto.Ticket, error) {
	return p.coord.GetInventory(ctx, storeID)
}

// RepairRequest forwards to the coordinator.
func (p *Peer) RepairRequest(ctx context.Context, token, storeID uuid.UUID, path string) (string, error) {
	return p.coord.RepairRequest(ctx, token, storeID, path)
}

// ReceiveTicket accepts a ticket pushed by the coordinator. A FileRepair
// ticket is staged for one pickup, but only if this peer holds a verified
// copy of its entry. Inventories are only pulled, so a pushed HashList is
// refused.
func (p *Peer) ReceiveTicket(_ context.Context, t *proto.Ticket) error {
	s, ok := p.Store(t.StoreID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, proto.FormatID(t.StoreID))
	}

	switch t.Type {
	case proto.TicketFileRepair:
		e, ok := t.Entry()
		if !ok {
			return fmt.Errorf("%w: repair ticket without entry", node.ErrMalformedRequest)
		}
		if err := s.Verify(e); err != nil {
			log.Warn().
				Err(err).
				Str("op_id", proto.FormatID(t.OpID)).
				Str("path", e.Path()).
				Msg("refusing relay for unverified file")
			return fmt.Errorf("%w: cannot serve %s: %v", node.ErrNotFound, e.Path(), err)
		}
		p.tickets.Put(t, s)
		p.audit.LogTicket("staged", proto.FormatID(t.OpID), t.Type.String(), proto.FormatID(s.ID), e.Path(), "")
		log.Debug().Str("op_id", proto.FormatID(t.OpID)).Str("path", e.Path()).Msg("relay ticket staged")
		return nil

	case proto.TicketHashList:
		log.Warn().
			Str("op_id", proto.FormatID(t.OpID)).
			Str("store", proto.FormatID(s.ID)).
			Int("entries", len(t.Entries)).
			Msg("refusing pushed inventory")
		return fmt.Errorf("%w: inventory is pulled, not pushed", node.ErrUnsupported)

	default:
		return fmt.Errorf("%w: unsupported ticket type %s", node.ErrMalformedRequest, t.Type)
	}
}

// FetchFile serves the file bound to a staged ticket. The ticket is consumed
// whether or not the file still verifies.
func (p *Peer) FetchFile(_ context.Context, opID uuid.UUID) ([]byte, error) {
	t, s, ok := p.tickets.Take(opID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, proto.FormatID(opID))
	}
	e, _ := t.Entry()

	data, err := s.ReadVerified(e)
	if err != nil {
		log.Warn().Err(err).Str("op_id", proto.FormatID(opID)).Str("path", e.Path()).Msg("staged file no longer verifies")
		return nil, fmt.Errorf("%w: %s: %v", node.ErrNotFound, e.Path(), err)
	}

	p.metrics.ServedFiles.Inc()
	p.metrics.ServedBytes.Add(float64(len(data)))
	p.audit.LogTicket("served", proto.FormatID(opID), t.Type.String(), proto.FormatID(s.ID), e.Path(), "")
	return data, nil
}

// State returns the peer state for persistence.
func (p *Peer) State() *state.PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := &state.PeerState{Token: p.token, Name: p.opts.Name, Server: p.server}
	for _, s := range p.stores {
		entries := s.Tree().Entries()
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path() < entries[j].Path() })
		st.Stores = append(st.Stores, state.PeerStore{ID: s.ID, Name: s.Name, Path: s.Root, Entries: entries})
	}
	return st
}

// Restore adopts a saved identity and re-attaches its stores.
func (p *Peer) Restore(st *state.PeerState) {
	p.mu.Lock()
	p.token = st.Token
	if st.Server != "" {
		p.server = st.Server
	}
	p.mu.Unlock()

	for _, ps := range st.Stores {
		s := store.New(ps.ID, ps.Name, ps.Path, p.opts.Digest)
		s.ApplyInventory(ps.Entries)
		p.AttachStore(s)
	}
}
