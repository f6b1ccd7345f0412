package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fogmesh/fog/internal/config"
	"github.com/fogmesh/fog/internal/discovery"
	"github.com/fogmesh/fog/internal/logging/audit"
	"github.com/fogmesh/fog/internal/metrics"
	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/internal/peer"
	"github.com/fogmesh/fog/internal/state"
	"github.com/fogmesh/fog/internal/store"
	"github.com/fogmesh/fog/internal/svc"
	"github.com/fogmesh/fog/pkg/proto"
)

var (
	joinServer string
	joinToken  string
	joinName   string
	joinOnce   bool
)

func newJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Run a peer attached to a coordinator",
		Long: `Run a peer that hosts the configured stores. On first start the peer
registers with the coordinator and creates its stores; the identity is saved
in the state directory and reused afterwards.

The peer then checks in, pulls each store's inventory, validates every file
and repairs damaged copies from healthy replicas.`,
		Example: `  # Join using a config file
  fog join --config /etc/fog/peer.yaml

  # Validate once and exit
  fog join --config peer.yaml --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = svc.DefaultConfigPath(svc.ModeJoin)
			}
			cfg, err := loadPeerConfig(path)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return join(ctx, cfg, joinOnce)
		},
	}

	cmd.Flags().StringVarP(&joinServer, "server", "s", "", "coordinator URL (overrides config)")
	cmd.Flags().StringVarP(&joinToken, "token", "t", "", "registration access token (overrides config)")
	cmd.Flags().StringVarP(&joinName, "name", "n", "", "peer name (overrides config)")
	cmd.Flags().BoolVar(&joinOnce, "once", false, "run a single sync and validation pass, then exit")
	return cmd
}

func loadPeerConfig(path string) (*config.PeerConfig, error) {
	cfg, err := config.LoadPeerConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if joinServer != "" {
		cfg.Server = joinServer
	}
	if joinToken != "" {
		cfg.AccessToken = joinToken
	}
	if joinName != "" {
		cfg.Name = joinName
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func join(ctx context.Context, cfg *config.PeerConfig, once bool) error {
	server := cfg.Server
	if server == "" {
		log.Info().Int("port", cfg.Discovery.Port).Msg("looking for a coordinator on the local network")
		found, err := discovery.Locate(ctx, discovery.Config{Port: cfg.Discovery.Port})
		if err != nil {
			return err
		}
		server = found
		log.Info().Str("server", server).Msg("coordinator found")
	}

	digest, err := store.ParseDigest(cfg.Digest)
	if err != nil {
		return err
	}

	ccfg := clientConfig(cfg)
	client := node.NewClient(server, ccfg)
	defer client.CloseIdleConnections()

	p := peer.New(peer.Options{
		Name:        cfg.Name,
		Coordinator: client,
		Digest:      digest,
		TicketTTL:   cfg.TicketLifetime(),
		FetchDelay:  cfg.Delay(),
		Retry:       ccfg.Retry,
		Metrics:     metrics.NewPeerMetrics(metrics.Registry, cfg.Name),
		Audit:       audit.NewLogger(log.Logger),
	})

	st, err := state.LoadPeer(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("load peer state: %w", err)
	}
	if restorable(st, cfg) {
		p.Restore(st)
		log.Info().
			Str("token", proto.FormatID(st.Token)).
			Int("stores", len(st.Stores)).
			Msg("restored peer identity")
	}

	if err := p.Join(ctx, cfg.AccessToken, storeSpecs(cfg)); err != nil {
		return err
	}
	p.SetServer(server)
	if err := state.SavePeer(cfg.StateDir, p.State()); err != nil {
		return fmt.Errorf("save peer state: %w", err)
	}
	log.Info().
		Str("name", cfg.Name).
		Str("server", server).
		Int("stores", len(p.Stores())).
		Msg("joined coordinator")

	if once {
		rep := p.Cycle(ctx, cfg.StateDir)
		if rep.Broken() > 0 {
			return fmt.Errorf("%d of %d entries could not be repaired", rep.Broken(), rep.Checked)
		}
		return nil
	}

	advertise, err := advertiseAddr(cfg)
	if err != nil {
		return err
	}
	return p.Run(ctx, peer.RunConfig{
		Listen:           cfg.Listen,
		AdvertiseAddr:    advertise,
		CheckinInterval:  cfg.CheckinEvery(),
		ValidateInterval: cfg.ValidateEvery(),
		StateDir:         cfg.StateDir,
		Metrics:          cfg.Metrics.Enabled,
	})
}

// restorable reports whether saved state belongs to this peer and coordinator.
// A token minted by another coordinator would be rejected.
func restorable(st *state.PeerState, cfg *config.PeerConfig) bool {
	if st.Token == uuid.Nil {
		return false
	}
	if st.Name != "" && st.Name != cfg.Name {
		log.Warn().Str("saved", st.Name).Str("configured", cfg.Name).Msg("saved state belongs to another peer, registering again")
		return false
	}
	if cfg.Server != "" && st.Server != "" && node.NormalizeHost(st.Server) != node.NormalizeHost(cfg.Server) {
		log.Warn().Str("saved", st.Server).Str("configured", cfg.Server).Msg("coordinator changed, registering again")
		return false
	}
	return true
}

func clientConfig(cfg *config.PeerConfig) node.ClientConfig {
	initial, maxBackoff := cfg.RetryBackoff()
	return node.ClientConfig{
		Timeout: cfg.Timeout(),
		Retry: node.RetryConfig{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: initial,
			MaxBackoff:     maxBackoff,
		},
		Compression: cfg.CompressionEnabled(),
		MaxFileSize: cfg.MaxFileSize.Bytes(),
	}
}

func storeSpecs(cfg *config.PeerConfig) []peer.StoreSpec {
	specs := make([]peer.StoreSpec, 0, len(cfg.Stores))
	for _, s := range cfg.Stores {
		specs = append(specs, peer.StoreSpec{Name: s.Name, Path: s.Path})
	}
	return specs
}

// advertiseAddr returns the address sent on check-in. Only its port is used;
// the coordinator takes the host from the connection.
func advertiseAddr(cfg *config.PeerConfig) (string, error) {
	if cfg.AdvertisePort > 0 {
		return ":" + strconv.Itoa(cfg.AdvertisePort), nil
	}
	if _, err := listenPort(cfg.Listen); err != nil {
		return "", err
	}
	return cfg.Listen, nil
}

func listenPort(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid listen port %q", p)
	}
	return port, nil
}
