// Package node defines the capability every fog node exposes, coordinator or
// peer, together with its HTTP binding.
//
// The coordinator answers Register, AddStore, CheckIn, GetInventory and
// RepairRequest. A peer forwards those to its coordinator and additionally
// accepts pushed tickets (ReceiveTicket) and serves staged files (FetchFile).
// Operations a node kind cannot perform return ErrUnsupported.
package node

import (
	"context"

	"github.com/google/uuid"

	"github.com/fogmesh/fog/pkg/proto"
)

// Node is the communication contract shared by all node kinds.
type Node interface {
	// Register mints a new peer identity. The access token must match the
	// coordinator's configured token.
	Register(ctx context.Context, accessToken, name string) (uuid.UUID, error)

	// AddStore creates an empty store owned by the peer identified by token.
	AddStore(ctx context.Context, token uuid.UUID, name string) (uuid.UUID, error)

	// CheckIn records addr as the peer's reachable address. addr is
	// "host:port" or just "host"; a zero token is ignored.
	CheckIn(ctx context.Context, token uuid.UUID, addr string) error

	// GetInventory returns a HashList ticket with the store's full inventory.
	GetInventory(ctx context.Context, storeID uuid.UUID) (*proto.Ticket, error)

	// RepairRequest routes a repair of path in storeID and returns a locator
	// the caller can fetch the file from once the relay has been staged.
	RepairRequest(ctx context.Context, token, storeID uuid.UUID, path string) (string, error)

	// ReceiveTicket accepts a ticket pushed by the coordinator.
	ReceiveTicket(ctx context.Context, t *proto.Ticket) error

	// FetchFile returns the content bound to a staged ticket. Each operation
	// ID can be fetched once.
	FetchFile(ctx context.Context, opID uuid.UUID) ([]byte, error)
}
