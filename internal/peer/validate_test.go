package peer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogmesh/fog/internal/metrics"
	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/internal/state"
	"github.com/fogmesh/fog/pkg/proto"
	"github.com/fogmesh/fog/testutil"
)

func joinedPeer(t *testing.T, coord *fakeCoordinator, reg prometheus.Registerer) *Peer {
	t.Helper()
	p := New(Options{
		Name:        "N1",
		Coordinator: coord,
		Retry:       node.RetryConfig{MaxRetries: 1},
		Metrics:     metrics.NewPeerMetrics(reg, "N1"),
	})
	p.Restore(&state.PeerState{Token: coord.token})
	return p
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestPeer_SyncStore(t *testing.T) {
	coord := newFakeCoordinator()
	p := joinedPeer(t, coord, nil)
	s := hostedStore(t, p)
	s.Tree().Replace(newEntry(t, "/revoked.txt", "r"))
	s.Tree().Replace(newEntry(t, "/a.txt", "stale"))

	coord.grant(s.ID, newEntry(t, "/a.txt", "alpha"), newEntry(t, "/b.txt", "beta"))

	res, err := p.SyncStore(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Replaced)
	assert.Equal(t, 1, res.Removed)

	got, ok := s.Tree().File("/a.txt")
	require.True(t, ok)
	assert.Equal(t, testutil.MD5("alpha"), got.Digest())
	_, ok = s.Tree().File("/revoked.txt")
	assert.False(t, ok)

	res, err = p.SyncStore(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, res.Changed())
}

func TestPeer_SyncStoreRejectsForeignTicket(t *testing.T) {
	coord := newFakeCoordinator()
	p := joinedPeer(t, coord, nil)
	s := hostedStore(t, p)
	coord.inventories[s.ID] = proto.NewHashList(uuid.New(), nil)

	_, err := p.SyncStore(context.Background(), s)
	assert.ErrorIs(t, err, proto.ErrDecode)
}

func TestPeer_SyncContinuesPastFailingStore(t *testing.T) {
	coord := newFakeCoordinator()
	p := joinedPeer(t, coord, nil)
	unknown := hostedStore(t, p)
	known := hostedStore(t, p)
	coord.grant(known.ID, newEntry(t, "/a.txt", "alpha"))

	err := p.Sync(context.Background())
	assert.ErrorIs(t, err, node.ErrNotFound)
	assert.Zero(t, unknown.Tree().Len())
	assert.Equal(t, 1, known.Tree().Len())
}

func TestPeer_ValidateStoreContinuesPastFailures(t *testing.T) {
	coord := newFakeCoordinator()
	reg := prometheus.NewRegistry()
	p := joinedPeer(t, coord, reg)
	s := hostedStore(t, p)

	for path, content := range map[string]string{
		"/a.txt": "alpha", "/b.txt": "beta", "/c.txt": "gamma", "/d/e.txt": "delta",
	} {
		s.Tree().Replace(newEntry(t, path, content))
	}
	testutil.WriteFile(t, s.Root, "b.txt", "corrupt")
	testutil.WriteFile(t, s.Root, "c.txt", "gamma")

	coord.repairs["/a.txt"] = node.ErrNoReplica
	coord.repairs["/b.txt"] = node.ErrRelayFailed
	coord.downloads["/d/e.txt"] = []byte("delta")

	rep := p.ValidateStore(context.Background(), s)
	assert.Equal(t, Report{Checked: 4, Healthy: 1, Repaired: 1, NoReplica: 1, Failed: 1}, rep)
	assert.Equal(t, 2, rep.Broken())

	data, err := os.ReadFile(filepath.Join(s.Root, "d", "e.txt"))
	require.NoError(t, err)
	assert.Equal(t, "delta", string(data))
	assert.NoError(t, s.VerifyPath("/d/e.txt"))

	assert.Equal(t, 1.0, counterValue(t, reg, "fog_peer_validated_entries_total", "ok"))
	assert.Equal(t, 2.0, counterValue(t, reg, "fog_peer_validated_entries_total", "missing"))
	assert.Equal(t, 1.0, counterValue(t, reg, "fog_peer_validated_entries_total", "mismatch"))
	assert.Equal(t, 1.0, counterValue(t, reg, "fog_peer_repairs_total", "repaired"))
	assert.Equal(t, 1.0, counterValue(t, reg, "fog_peer_repairs_total", "no_replica"))
	assert.Equal(t, 1.0, counterValue(t, reg, "fog_peer_repairs_total", "failed"))
}

func TestPeer_RepairRejectsWrongContent(t *testing.T) {
	coord := newFakeCoordinator()
	p := joinedPeer(t, coord, nil)
	s := hostedStore(t, p)
	path := testutil.WriteFile(t, s.Root, "a.txt", "partial")
	s.Tree().Replace(newEntry(t, "/a.txt", "alpha"))
	coord.downloads["/a.txt"] = []byte("not alpha")

	rep := p.ValidateStore(context.Background(), s)
	assert.Equal(t, 1, rep.Failed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(data), "a bad download must not replace the file")
}

func retryingPeer(t *testing.T, coord *fakeCoordinator) *Peer {
	t.Helper()
	p := New(Options{
		Name:        "N1",
		Coordinator: coord,
		Retry:       node.RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	p.Restore(&state.PeerState{Token: coord.token})
	return p
}

func TestPeer_RepairRetriesTemporaryRelayFailure(t *testing.T) {
	coord := newFakeCoordinator()
	p := retryingPeer(t, coord)
	s := hostedStore(t, p)
	s.Tree().Replace(newEntry(t, "/a.txt", "alpha"))
	coord.repairFails["/a.txt"] = []error{node.ErrRelayFailed, context.DeadlineExceeded}
	coord.downloads["/a.txt"] = []byte("alpha")

	rep := p.ValidateStore(context.Background(), s)
	assert.Equal(t, Report{Checked: 1, Repaired: 1}, rep)
	assert.NoError(t, s.VerifyPath("/a.txt"))
}

func TestPeer_RepairDoesNotRetryNoReplica(t *testing.T) {
	coord := newFakeCoordinator()
	p := retryingPeer(t, coord)
	s := hostedStore(t, p)
	s.Tree().Replace(newEntry(t, "/a.txt", "alpha"))
	coord.repairFails["/a.txt"] = []error{node.ErrNoReplica}
	coord.downloads["/a.txt"] = []byte("alpha")

	rep := p.ValidateStore(context.Background(), s)
	assert.Equal(t, Report{Checked: 1, NoReplica: 1}, rep)
	assert.Empty(t, coord.locators)
}

func TestPeer_RepairFailedDownloadRequestsNewTicket(t *testing.T) {
	coord := newFakeCoordinator()
	p := retryingPeer(t, coord)
	s := hostedStore(t, p)
	s.Tree().Replace(newEntry(t, "/a.txt", "alpha"))
	coord.downloadFails["/a.txt"] = []error{errors.New("connection reset by peer")}
	coord.downloads["/a.txt"] = []byte("alpha")

	rep := p.ValidateStore(context.Background(), s)
	assert.Equal(t, Report{Checked: 1, Repaired: 1}, rep)
	assert.Equal(t, []string{"fake:0:/a.txt", "fake:1:/a.txt"}, coord.locators)
}

func TestPeer_ValidateAllStores(t *testing.T) {
	coord := newFakeCoordinator()
	p := joinedPeer(t, coord, nil)

	for i := 0; i < 3; i++ {
		s := hostedStore(t, p)
		s.Tree().Replace(newEntry(t, "/a.txt", "alpha"))
		testutil.WriteFile(t, s.Root, "a.txt", "alpha")
	}

	rep := p.Validate(context.Background())
	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, 3, rep.Healthy)
}

func TestPeer_ValidateStopsOnCancel(t *testing.T) {
	coord := newFakeCoordinator()
	p := joinedPeer(t, coord, nil)
	s := hostedStore(t, p)
	s.Tree().Replace(newEntry(t, "/a.txt", "alpha"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := p.ValidateStore(ctx, s)
	assert.Zero(t, rep.Checked)
}

func TestPeer_CycleSavesState(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	coord := newFakeCoordinator()
	p := joinedPeer(t, coord, nil)
	s := hostedStore(t, p)
	coord.grant(s.ID, newEntry(t, "/a.txt", "alpha"))
	testutil.WriteFile(t, s.Root, "a.txt", "alpha")

	rep := p.Cycle(context.Background(), dir)
	assert.Equal(t, Report{Checked: 1, Healthy: 1}, rep)

	st, err := state.LoadPeer(dir)
	require.NoError(t, err)
	assert.Equal(t, coord.token, st.Token)
	require.Len(t, st.Stores, 1)
	require.Len(t, st.Stores[0].Entries, 1)
	assert.True(t, st.Stores[0].Entries[0].Equal(newEntry(t, "/a.txt", "alpha")))
}
