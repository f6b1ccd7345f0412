package coord

import (
	"context"
	"sync"
	"time"

	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/pkg/proto"
)

// Relay delivers a ticket to the peer listening at host.
type Relay interface {
	Push(ctx context.Context, host string, t *proto.Ticket) error
}

// HTTPRelay pushes tickets to a peer's /op_ticket endpoint. Clients are
// kept per host so connections are reused across pushes.
type HTTPRelay struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*node.Client
}

var _ Relay = (*HTTPRelay)(nil)

// NewHTTPRelay creates a relay whose requests time out after timeout.
func NewHTTPRelay(timeout time.Duration) *HTTPRelay {
	return &HTTPRelay{
		timeout: timeout,
		clients: make(map[string]*node.Client),
	}
}

// Push sends t to host in a single attempt; the caller owns retries.
func (r *HTTPRelay) Push(ctx context.Context, host string, t *proto.Ticket) error {
	return r.client(host).ReceiveTicket(ctx, t)
}

func (r *HTTPRelay) client(host string) *node.Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[host]
	if !ok {
		c = node.NewClient(host, node.ClientConfig{Timeout: r.timeout})
		r.clients[host] = c
	}
	return c
}

// Close drops idle connections to every peer.
func (r *HTTPRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.CloseIdleConnections()
	}
}
