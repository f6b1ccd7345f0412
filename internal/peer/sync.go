package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fogmesh/fog/internal/store"
	"github.com/fogmesh/fog/pkg/proto"
)

// Sync pulls the inventory of every hosted store. A failing store does not
// stop the others; all failures are returned joined.
func (p *Peer) Sync(ctx context.Context) error {
	var errs []error
	for _, s := range p.Stores() {
		if _, err := p.SyncStore(ctx, s); err != nil {
			log.Warn().Err(err).Str("store", proto.FormatID(s.ID)).Msg("inventory sync failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncStore replaces s's inventory with the one the coordinator grants it.
// Entries the coordinator no longer lists are dropped from the inventory;
// their files are left on disk.
func (p *Peer) SyncStore(ctx context.Context, s *store.Store) (store.SyncResult, error) {
	t, err := p.coord.GetInventory(ctx, s.ID)
	if err != nil {
		return store.SyncResult{}, fmt.Errorf("get inventory for %s: %w", s.Name, err)
	}
	if t.Type != proto.TicketHashList || t.StoreID != s.ID {
		return store.SyncResult{}, fmt.Errorf("%w: inventory ticket %s for store %s",
			proto.ErrDecode, t.Type, proto.FormatID(t.StoreID))
	}

	res := s.ApplyInventory(t.Entries)
	logSync(s, res)
	return res, nil
}

func logSync(s *store.Store, res store.SyncResult) {
	ev := log.Debug()
	if res.Changed() {
		ev = log.Info()
	}
	ev.Str("store", proto.FormatID(s.ID)).
		Int("added", res.Added).
		Int("replaced", res.Replaced).
		Int("removed", res.Removed).
		Int("entries", s.Tree().Len()).
		Msg("inventory synced")
}
