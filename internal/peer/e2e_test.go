package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogmesh/fog/internal/config"
	"github.com/fogmesh/fog/internal/coord"
	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/internal/store"
	"github.com/fogmesh/fog/pkg/proto"
	"github.com/fogmesh/fog/testutil"
)

type cluster struct {
	coordURL string
	admin    *coord.AdminClient
}

// startCluster runs a coordinator whose global inventory holds /a.txt and /b.txt.
func startCluster(t *testing.T) *cluster {
	t.Helper()
	return startClusterWithRelay(t, config.RelayConfig{MaxRetries: 1, Timeout: "2s"})
}

func startClusterWithRelay(t *testing.T, relay config.RelayConfig) *cluster {
	t.Helper()
	inv, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	testutil.WriteFile(t, inv, "a.txt", "alpha")
	testutil.WriteFile(t, inv, "b.txt", "beta")

	cfg := &config.ServerConfig{
		AccessToken: "secret",
		Inventory:   []config.InventoryDir{{Virtual: "/", Path: inv}},
		Relay:       relay,
	}
	cfg.ApplyDefaults()

	srv, err := coord.NewServer(context.Background(), cfg, coord.ServerOptions{Metrics: prometheus.NewRegistry()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &cluster{coordURL: ts.URL, admin: coord.NewAdminClient(ts.URL, cfg.Admin.Token)}
}

// joinPeer registers a served peer with one store and checks it in.
func (c *cluster) joinPeer(t *testing.T, name string) (*Peer, *store.Store) {
	t.Helper()
	ctx := context.Background()
	root, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	client := node.NewClient(c.coordURL, node.ClientConfig{
		Compression: true,
		Retry:       node.RetryConfig{MaxRetries: 1},
	})
	p := New(Options{
		Name:        name,
		Coordinator: client,
		Retry:       node.RetryConfig{MaxRetries: 1},
	})
	require.NoError(t, p.Join(ctx, "secret", []StoreSpec{{Name: name + "-store", Path: root}}))

	ts := httptest.NewServer(p.Handler(false))
	t.Cleanup(ts.Close)
	require.NoError(t, p.CheckIn(ctx, p.Token(), ts.Listener.Addr().String()))

	return p, p.Stores()[0]
}

// joinHungPeer registers a peer whose checked-in address accepts
// connections but never answers.
func (c *cluster) joinHungPeer(t *testing.T, name string) *store.Store {
	t.Helper()
	ctx := context.Background()
	root, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	p := New(Options{
		Name:        name,
		Coordinator: node.NewClient(c.coordURL, node.ClientConfig{Retry: node.RetryConfig{MaxRetries: 1}}),
		Retry:       node.RetryConfig{MaxRetries: 1},
	})
	require.NoError(t, p.Join(ctx, "secret", []StoreSpec{{Name: name + "-store", Path: root}}))
	require.NoError(t, p.CheckIn(ctx, p.Token(), ts.Listener.Addr().String()))
	return p.Stores()[0]
}

func (c *cluster) permit(t *testing.T, s *store.Store, paths ...string) {
	t.Helper()
	for _, path := range paths {
		_, err := c.admin.Permit(context.Background(), proto.FormatID(s.ID), path)
		require.NoError(t, err)
	}
}

func TestEndToEnd_SingleStoreNoReplica(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	p, s := c.joinPeer(t, "N1")
	assert.NotEqual(t, uuid.Nil, p.Token())

	c.permit(t, s, "/a.txt", "/b.txt")
	res, err := p.SyncStore(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)

	e, ok := s.Tree().File("/a.txt")
	require.True(t, ok)
	assert.Equal(t, testutil.MD5("alpha"), e.Digest())

	path := testutil.WriteFile(t, s.Root, "a.txt", "alpha")
	testutil.WriteFile(t, s.Root, "b.txt", "beta")
	require.NoError(t, os.Remove(path))

	rep := p.ValidateStore(ctx, s)
	assert.Equal(t, Report{Checked: 2, Healthy: 1, NoReplica: 1}, rep)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestEndToEnd_RepairFromReplica(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	broken, brokenStore := c.joinPeer(t, "A")
	healthy, healthyStore := c.joinPeer(t, "B")
	c.permit(t, brokenStore, "/a.txt")
	c.permit(t, healthyStore, "/a.txt")

	for _, p := range []*Peer{broken, healthy} {
		require.NoError(t, p.Sync(ctx))
	}
	testutil.WriteFile(t, healthyStore.Root, "a.txt", "alpha")
	testutil.WriteFile(t, brokenStore.Root, "a.txt", "bitrot")

	rep := broken.Validate(ctx)
	assert.Equal(t, Report{Checked: 1, Repaired: 1}, rep)

	data, err := os.ReadFile(filepath.Join(brokenStore.Root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	assert.Zero(t, healthy.Tickets().Len(), "the relay ticket is consumed by the download")

	rep = broken.Validate(ctx)
	assert.Equal(t, Report{Checked: 1, Healthy: 1}, rep)
}

func TestEndToEnd_ReplicaThatLostItsCopy(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()

	broken, brokenStore := c.joinPeer(t, "A")
	_, staleStore := c.joinPeer(t, "B")
	c.permit(t, brokenStore, "/a.txt")
	c.permit(t, staleStore, "/a.txt")
	require.NoError(t, broken.Sync(ctx))

	// B is granted the file but does not hold it, so it refuses the relay.
	rep := broken.Validate(ctx)
	assert.Equal(t, Report{Checked: 1, Failed: 1}, rep)
}

func TestEndToEnd_RepairSkipsHungReplica(t *testing.T) {
	c := startClusterWithRelay(t, config.RelayConfig{MaxRetries: 3, Timeout: "200ms", InitialBackoff: "10ms"})
	ctx := context.Background()

	broken, brokenStore := c.joinPeer(t, "A")
	hungStore := c.joinHungPeer(t, "H")
	healthy, healthyStore := c.joinPeer(t, "B")
	c.permit(t, brokenStore, "/a.txt")
	c.permit(t, hungStore, "/a.txt")
	c.permit(t, healthyStore, "/a.txt")

	for _, p := range []*Peer{broken, healthy} {
		require.NoError(t, p.Sync(ctx))
	}
	testutil.WriteFile(t, healthyStore.Root, "a.txt", "alpha")

	start := time.Now()
	rep := broken.Validate(ctx)
	assert.Equal(t, Report{Checked: 1, Repaired: 1}, rep)
	assert.Less(t, time.Since(start), 2*time.Second, "the hung replica is tried once")

	data, err := os.ReadFile(filepath.Join(brokenStore.Root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}
