// Package coord implements the fog coordinator: the registry of peers and
// stores, repair routing, and the HTTP server exposing both the node
// endpoints and the admin API.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fogmesh/fog/internal/config"
	"github.com/fogmesh/fog/internal/logging/audit"
	"github.com/fogmesh/fog/internal/metrics"
	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/internal/state"
	"github.com/fogmesh/fog/internal/store"
	"github.com/fogmesh/fog/pkg/proto"
)

// Server is the coordination server.
type Server struct {
	cfg      *config.ServerConfig
	mux      *http.ServeMux
	coord    *Coordinator
	registry *Registry
	digest   store.Digest
	backend  state.Backend
	metrics  *metrics.CoordinatorMetrics
	audit    *audit.Logger
	version  string

	saveMu sync.Mutex
}

// ServerOptions holds the collaborators of a Server.
type ServerOptions struct {
	Backend state.Backend         // nil disables persistence
	Metrics prometheus.Registerer // nil uses a private registry
	Relay   Relay                 // nil pushes over HTTP
}

// NewServer creates a coordination server. Saved state is loaded from the
// backend and the configured inventory directories are imported into the
// global inventory.
func NewServer(ctx context.Context, cfg *config.ServerConfig, opts ServerOptions) (*Server, error) {
	backend := opts.Backend
	digest, err := store.ParseDigest(cfg.Digest)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	if backend != nil {
		snap, err := backend.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
		if err := registry.Restore(snap); err != nil {
			log.Warn().Err(err).Msg("state contained conflicting entries, kept the first of each")
		}
		log.Info().
			Int("nodes", registry.NodeCount()).
			Int("stores", registry.StoreCount()).
			Int("entries", registry.EntryCount()).
			Msg("state loaded")
	}

	srv := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		registry: registry,
		digest:   digest,
		backend:  backend,
		metrics:  metrics.NewCoordinatorMetrics(opts.Metrics),
		audit:    audit.NewLogger(log.Logger),
	}

	for _, dir := range cfg.Inventory {
		if _, err := srv.importDir(dir.Virtual, dir.Path); err != nil {
			return nil, err
		}
	}

	minBackoff, maxBackoff := cfg.RelayBackoff()
	srv.coord = New(registry, Options{
		AccessToken:       cfg.AccessToken,
		AllowRegistration: cfg.RegistrationAllowed(),
		PeerPort:          cfg.PeerPort,
		RelayTimeout:      cfg.RelayTimeout(),
		RelayDeadline:     cfg.RelayDeadline(),
		Retry: node.RetryConfig{
			MaxRetries:     cfg.Relay.MaxRetries,
			InitialBackoff: minBackoff,
			MaxBackoff:     maxBackoff,
		},
		Relay:   opts.Relay,
		Metrics: srv.metrics,
		Audit:   srv.audit,
	})

	srv.setupRoutes()
	return srv, nil
}

// SetVersion sets the server version reported by /admin/version.
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Coordinator returns the coordinator node behind the server.
func (s *Server) Coordinator() *Coordinator {
	return s.coord
}

func (s *Server) setupRoutes() {
	node.NewHandler(s.coord).Routes(s.mux)

	if s.cfg.Metrics.Enabled {
		s.mux.Handle("/metrics", metrics.Handler())
	}

	s.setupAdminRoutes()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(WithSource(r.Context(), r.RemoteAddr))
	node.Recover(s.mux).ServeHTTP(w, r)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		if s.cfg.Admin.Token == "" || parts[1] != s.cfg.Admin.Token {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	node.JSONError(w, message, code)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// importDir adds a physical directory to the global inventory.
func (s *Server) importDir(virtual, physical string) (store.ImportResult, error) {
	res, err := store.ImportDir(s.registry.Global(), virtual, physical, s.digest)
	if err != nil {
		return res, fmt.Errorf("import %s: %w", physical, err)
	}
	log.Info().
		Str("path", physical).
		Str("virtual", virtual).
		Int("added", res.Added).
		Int("unchanged", res.Unchanged).
		Int("skipped", res.Skipped).
		Int("conflicts", len(res.Conflicts)).
		Msg("inventory imported")
	return res, nil
}

// Save writes the registry to the state backend.
func (s *Server) Save(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if err := s.backend.Save(ctx, s.registry.Snapshot()); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *Server) runSaver(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Save(ctx); err != nil {
				log.Warn().Err(err).Msg("periodic state save failed")
			}
		}
	}
}

// ListenAndServe runs the server until ctx is cancelled, then shuts it down
// and saves state.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("listen", s.cfg.Listen).Msg("starting coordination server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		metrics.NewCollector(metrics.CollectorConfig{
			Coordinator: s.metrics,
			Registry:    s.registry,
		}).Run(ctx, 15*time.Second)
		return nil
	})

	if s.backend != nil {
		g.Go(func() error {
			s.runSaver(ctx, s.cfg.SaveInterval())
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown")
		}
		return s.Save(shutdownCtx)
	})

	return g.Wait()
}

func summarizeNode(n NodeInfo) proto.NodeSummary {
	out := proto.NodeSummary{
		Token:       proto.FormatID(n.Token),
		Name:        n.Name,
		Host:        n.Host,
		Stores:      make([]string, 0, len(n.Stores)),
		LastCheckIn: n.LastCheckIn,
	}
	for _, id := range n.Stores {
		out.Stores = append(out.Stores, proto.FormatID(id))
	}
	return out
}
