package peer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fogmesh/fog/internal/store"
	"github.com/fogmesh/fog/pkg/proto"
)

// DefaultTicketTTL is how long a staged ticket waits to be collected.
const DefaultTicketTTL = 2 * time.Minute

type stagedTicket struct {
	ticket  *proto.Ticket
	store   *store.Store
	expires time.Time
}

// TicketStore holds FileRepair tickets pushed by the coordinator until the
// requesting peer collects the file. Each ticket can be taken once.
type TicketStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	tickets map[uuid.UUID]stagedTicket
}

// NewTicketStore creates a ticket store whose tickets expire after ttl.
func NewTicketStore(ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketStore{
		ttl:     ttl,
		now:     time.Now,
		tickets: make(map[uuid.UUID]stagedTicket),
	}
}

// Put stages t, served from s, under its operation ID.
func (ts *TicketStore) Put(t *proto.Ticket, s *store.Store) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tickets[t.OpID] = stagedTicket{ticket: t, store: s, expires: ts.now().Add(ts.ttl)}
}

// Take removes and returns the ticket staged under opID. Expired tickets are
// reported as absent.
func (ts *TicketStore) Take(opID uuid.UUID) (*proto.Ticket, *store.Store, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	st, ok := ts.tickets[opID]
	if !ok {
		return nil, nil, false
	}
	delete(ts.tickets, opID)
	if ts.now().After(st.expires) {
		return nil, nil, false
	}
	return st.ticket, st.store, true
}

// Sweep drops expired tickets and returns how many were removed.
func (ts *TicketStore) Sweep() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	removed := 0
	for id, st := range ts.tickets {
		if now.After(st.expires) {
			delete(ts.tickets, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of staged tickets, expired ones included until swept.
func (ts *TicketStore) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tickets)
}

// RunSweeper sweeps expired tickets every interval until ctx is done.
func (ts *TicketStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := ts.Sweep(); n > 0 {
				log.Debug().Int("expired", n).Msg("dropped uncollected relay tickets")
			}
		}
	}
}
