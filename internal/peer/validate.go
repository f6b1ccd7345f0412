package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/internal/store"
	"github.com/fogmesh/fog/pkg/entry"
	"github.com/fogmesh/fog/pkg/proto"
)

// Report summarizes a validation pass.
type Report struct {
	Checked   int // entries examined
	Healthy   int // entries that verified
	Repaired  int // entries restored from a replica
	NoReplica int // entries no other store could provide
	Failed    int // repairs that failed for any other reason
}

// Add accumulates o into r.
func (r *Report) Add(o Report) {
	r.Checked += o.Checked
	r.Healthy += o.Healthy
	r.Repaired += o.Repaired
	r.NoReplica += o.NoReplica
	r.Failed += o.Failed
}

// Broken returns the number of entries still not verified after the pass.
func (r Report) Broken() int {
	return r.NoReplica + r.Failed
}

// Validate checks every hosted store in turn.
func (p *Peer) Validate(ctx context.Context) Report {
	var total Report
	for _, s := range p.Stores() {
		total.Add(p.ValidateStore(ctx, s))
	}
	return total
}

// ValidateStore verifies each inventory entry of s and repairs those whose
// file is missing or corrupt. A failed repair is logged and the pass moves on
// to the next entry.
func (p *Peer) ValidateStore(ctx context.Context, s *store.Store) Report {
	var rep Report

	entries := s.Tree().Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path() < entries[j].Path() })

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++

		err := s.Verify(e)
		p.metrics.ValidatedEntries.WithLabelValues(store.Reason(err)).Inc()
		if err == nil {
			rep.Healthy++
			continue
		}

		log.Warn().
			Err(err).
			Str("store", proto.FormatID(s.ID)).
			Str("path", e.Path()).
			Msg("entry failed verification, requesting repair")

		switch err := p.repair(ctx, s, e); {
		case err == nil:
			rep.Repaired++
			p.metrics.Repairs.WithLabelValues("repaired").Inc()
			log.Info().Str("store", proto.FormatID(s.ID)).Str("path", e.Path()).Msg("entry repaired")
		case errors.Is(err, node.ErrNoReplica):
			rep.NoReplica++
			p.metrics.Repairs.WithLabelValues("no_replica").Inc()
			log.Warn().Str("store", proto.FormatID(s.ID)).Str("path", e.Path()).Msg("no replica available")
		default:
			rep.Failed++
			p.metrics.Repairs.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("store", proto.FormatID(s.ID)).Str("path", e.Path()).Msg("repair failed")
		}
	}
	return rep
}

func (p *Peer) repair(ctx context.Context, s *store.Store, e *entry.Entry) error {
	token := p.Token()
	if token == uuid.Nil {
		return ErrNotJoined
	}
	if p.dl == nil {
		return fmt.Errorf("%w: no downloader configured", node.ErrUnsupported)
	}

	// Tickets are one-shot, so each attempt asks for a fresh one.
	var data []byte
	err := node.Retry(ctx, p.opts.Retry, "repair", func(ctx context.Context) error {
		locator, err := p.coord.RepairRequest(ctx, token, s.ID, e.Path())
		if err != nil {
			return err
		}

		if p.opts.FetchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.opts.FetchDelay):
			}
		}

		data, err = p.dl.Download(ctx, locator)
		if err != nil {
			return fmt.Errorf("download %s: %w", locator, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.Install(e, bytes.NewReader(data))
}
