package peer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fogmesh/fog/internal/metrics"
	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/internal/state"
)

// RunConfig configures the peer's background loops.
type RunConfig struct {
	Listen           string // HTTP listen address; empty disables serving
	AdvertiseAddr    string // address reported on check-in (default: Listen)
	CheckinInterval  time.Duration
	ValidateInterval time.Duration
	SweepInterval    time.Duration
	StateDir         string // empty disables saving after each cycle
	Metrics          bool   // serve /metrics
}

// Handler returns the peer's HTTP handler.
func (p *Peer) Handler(withMetrics bool) http.Handler {
	mux := http.NewServeMux()
	node.NewHandler(p).Routes(mux)
	if withMetrics {
		mux.Handle("/metrics", metrics.Handler())
	}
	return node.Recover(mux)
}

// Cycle runs one sync and validation pass over every store and saves the
// peer state.
func (p *Peer) Cycle(ctx context.Context, stateDir string) Report {
	if err := p.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("sync incomplete, validating last known inventory")
	}

	rep := p.Validate(ctx)
	ev := log.Info()
	if rep.Broken() > 0 {
		ev = log.Warn()
	}
	ev.Int("checked", rep.Checked).
		Int("healthy", rep.Healthy).
		Int("repaired", rep.Repaired).
		Int("no_replica", rep.NoReplica).
		Int("failed", rep.Failed).
		Msg("validation pass complete")

	if stateDir != "" {
		if err := state.SavePeer(stateDir, p.State()); err != nil {
			log.Warn().Err(err).Msg("failed to save peer state")
		}
	}
	return rep
}

// Run serves the peer endpoints and runs the check-in, validation and
// ticket sweep loops until ctx is cancelled.
func (p *Peer) Run(ctx context.Context, cfg RunConfig) error {
	if p.Token() == uuid.Nil {
		return ErrNotJoined
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.Listen
	}
	if cfg.CheckinInterval <= 0 {
		cfg.CheckinInterval = 30 * time.Second
	}
	if cfg.ValidateInterval <= 0 {
		cfg.ValidateInterval = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = max(p.tickets.ttl/2, time.Second)
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Listen != "" {
		httpServer := &http.Server{
			Addr:              cfg.Listen,
			Handler:           p.Handler(cfg.Metrics),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("listen", cfg.Listen).Msg("starting peer server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		p.runCheckIn(ctx, cfg.AdvertiseAddr, cfg.CheckinInterval)
		return nil
	})
	g.Go(func() error {
		p.runValidation(ctx, cfg.StateDir, cfg.ValidateInterval)
		return nil
	})
	g.Go(func() error {
		p.tickets.RunSweeper(ctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		metrics.NewCollector(metrics.CollectorConfig{
			Peer:    p.metrics,
			Tickets: p.tickets,
		}).Run(ctx, 15*time.Second)
		return nil
	})

	err := g.Wait()
	if cfg.StateDir != "" {
		if saveErr := state.SavePeer(cfg.StateDir, p.State()); saveErr != nil {
			log.Warn().Err(saveErr).Msg("failed to save peer state on shutdown")
		}
	}
	return err
}

func (p *Peer) runCheckIn(ctx context.Context, addr string, interval time.Duration) {
	p.checkIn(ctx, addr)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkIn(ctx, addr)
		}
	}
}

func (p *Peer) checkIn(ctx context.Context, addr string) {
	if err := p.CheckIn(ctx, p.Token(), addr); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("check-in failed")
	}
}

func (p *Peer) runValidation(ctx context.Context, stateDir string, interval time.Duration) {
	p.Cycle(ctx, stateDir)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cycle(ctx, stateDir)
		}
	}
}
