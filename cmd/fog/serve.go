package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fogmesh/fog/internal/config"
	"github.com/fogmesh/fog/internal/coord"
	"github.com/fogmesh/fog/internal/discovery"
	"github.com/fogmesh/fog/internal/metrics"
	"github.com/fogmesh/fog/internal/state"
	"github.com/fogmesh/fog/internal/svc"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Run the coordinator that keeps the global inventory, the node and store
registry and the grants, and relays repair tickets between peers.

State is loaded from the configured backend at start and saved periodically
and on shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = svc.DefaultConfigPath(svc.ModeServe)
			}
			cfg, err := loadServerConfig(path)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

func loadServerConfig(path string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.ServerConfig) error {
	backend, err := state.Open(cfg.State.Backend, cfg.State.Dir, cfg.State.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close state backend")
		}
	}()

	srv, err := coord.NewServer(ctx, cfg, coord.ServerOptions{
		Backend: backend,
		Metrics: metrics.Registry,
	})
	if err != nil {
		return err
	}
	srv.SetVersion(Version)

	log.Info().
		Str("listen", cfg.Listen).
		Str("state", backendName(cfg.State.Backend)).
		Bool("discovery", cfg.Discovery.Enabled).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("coordinator configured")

	port, err := listenPort(cfg.Listen)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	if cfg.Discovery.Enabled {
		g.Go(func() error {
			err := discovery.Announce(ctx, discovery.Config{Port: cfg.Discovery.Port},
				discovery.Announcement{Port: port, Version: Version})
			if err != nil {
				log.Warn().Err(err).Msg("local network discovery stopped")
			}
			return nil
		})
	}
	return g.Wait()
}

func backendName(kind string) string {
	if kind == "" {
		return "file"
	}
	return kind
}
