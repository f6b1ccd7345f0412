package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct{ nodes, stores, entries int }

func (f fakeRegistry) NodeCount() int  { return f.nodes }
func (f fakeRegistry) StoreCount() int { return f.stores }
func (f fakeRegistry) EntryCount() int { return f.entries }

type fakeTickets int

func (f fakeTickets) Len() int { return int(f) }

// gaugeValue returns the value of the single-series metric name in reg.
func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestCollector_Collect(t *testing.T) {
	coordReg := prometheus.NewRegistry()
	peerReg := prometheus.NewRegistry()
	coord := NewCoordinatorMetrics(coordReg)
	peer := NewPeerMetrics(peerReg, "p1")

	c := NewCollector(CollectorConfig{
		Coordinator: coord,
		Registry:    fakeRegistry{nodes: 2, stores: 3, entries: 10},
		Peer:        peer,
		Tickets:     fakeTickets(4),
	})
	c.Collect()

	assert.Equal(t, 2.0, gaugeValue(t, coordReg, "fog_coordinator_registered_nodes"))
	assert.Equal(t, 3.0, gaugeValue(t, coordReg, "fog_coordinator_stores"))
	assert.Equal(t, 10.0, gaugeValue(t, coordReg, "fog_coordinator_global_entries"))
	assert.Equal(t, 4.0, gaugeValue(t, peerReg, "fog_peer_staged_tickets"))
}

func TestCollector_SkipsMissingSources(t *testing.T) {
	c := NewCollector(CollectorConfig{Coordinator: NewCoordinatorMetrics(nil)})
	assert.NotPanics(t, c.Collect)
}

func TestCollector_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewCollector(CollectorConfig{}).Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestHandler(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	m := NewCoordinatorMetrics(Registry)
	m.CheckIns.Add(3)
	m.RepairRequests.WithLabelValues("relayed").Inc()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, "fog_coordinator_checkins_total 3"), text)
	assert.Contains(t, text, `fog_coordinator_repair_requests_total{result="relayed"} 1`)
}
