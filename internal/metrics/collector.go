package metrics

import (
	"context"
	"time"
)

// RegistryStats is implemented by the coordinator registry.
type RegistryStats interface {
	NodeCount() int
	StoreCount() int
	EntryCount() int
}

// TicketStats is implemented by a peer's staged ticket store.
type TicketStats interface {
	Len() int
}

// CollectorConfig holds the sources a Collector samples. Nil sources are skipped.
type CollectorConfig struct {
	Coordinator *CoordinatorMetrics
	Registry    RegistryStats
	Peer        *PeerMetrics
	Tickets     TicketStats
}

// Collector periodically copies gauge values from their sources.
type Collector struct {
	config CollectorConfig
}

// NewCollector creates a new metrics collector.
func NewCollector(cfg CollectorConfig) *Collector {
	return &Collector{config: cfg}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect() {
	if m, r := c.config.Coordinator, c.config.Registry; m != nil && r != nil {
		m.RegisteredNodes.Set(float64(r.NodeCount()))
		m.Stores.Set(float64(r.StoreCount()))
		m.GlobalEntries.Set(float64(r.EntryCount()))
	}
	if m, t := c.config.Peer, c.config.Tickets; m != nil && t != nil {
		m.StagedTickets.Set(float64(t.Len()))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
