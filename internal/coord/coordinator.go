package coord

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fogmesh/fog/internal/logging/audit"
	"github.com/fogmesh/fog/internal/metrics"
	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/pkg/proto"
)

// Options configures a Coordinator.
type Options struct {
	AccessToken       string
	AllowRegistration bool
	PeerPort          int              // port assumed when a check-in address has none
	RelayTimeout      time.Duration    // bound on one ticket push (default: 10s)
	RelayDeadline     time.Duration    // bound on the whole candidate scan (default: 20s)
	Retry             node.RetryConfig // per-candidate push retries
	Relay             Relay            // default: HTTPRelay
	Metrics           *metrics.CoordinatorMetrics
	Audit             *audit.Logger
}

// Coordinator is the central node: it registers peers and stores, serves
// inventories and routes repairs to a healthy replica.
type Coordinator struct {
	registry *Registry
	opts     Options
	now      func() time.Time
}

var _ node.Node = (*Coordinator)(nil)

// New creates a coordinator over registry.
func New(registry *Registry, opts Options) *Coordinator {
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = 10 * time.Second
	}
	if opts.RelayDeadline <= 0 {
		opts.RelayDeadline = 2 * opts.RelayTimeout
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = node.DefaultRetryConfig()
	}
	if opts.Relay == nil {
		opts.Relay = NewHTTPRelay(opts.RelayTimeout)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCoordinatorMetrics(nil)
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewLogger(log.Logger)
	}
	return &Coordinator{registry: registry, opts: opts, now: time.Now}
}

// Registry returns the coordinator's registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Register mints a peer identity. The same access token may register any
// number of names; each gets its own token.
func (c *Coordinator) Register(ctx context.Context, accessToken, name string) (uuid.UUID, error) {
	source := sourceIP(ctx)

	if !c.opts.AllowRegistration {
		c.opts.Audit.LogRegistration(name, "", "denied", "registration disabled", source)
		return uuid.Nil, fmt.Errorf("%w: registration disabled", node.ErrAuthentication)
	}
	if subtle.ConstantTimeCompare([]byte(accessToken), []byte(c.opts.AccessToken)) != 1 {
		c.opts.Audit.LogRegistration(name, "", "denied", "bad access token", source)
		return uuid.Nil, fmt.Errorf("%w: bad access token", node.ErrAuthentication)
	}
	if name == "" {
		return uuid.Nil, fmt.Errorf("%w: missing name", node.ErrMalformedRequest)
	}

	token := c.registry.AddNode(name)
	c.opts.Audit.LogRegistration(name, proto.FormatID(token), "allowed", "", source)
	log.Info().Str("name", name).Str("token", proto.FormatID(token)).Msg("peer registered")
	return token, nil
}

// AddStore creates an empty store for a registered peer.
func (c *Coordinator) AddStore(_ context.Context, token uuid.UUID, name string) (uuid.UUID, error) {
	if name == "" {
		return uuid.Nil, fmt.Errorf("%w: missing name", node.ErrMalformedRequest)
	}
	id, err := c.registry.AddStore(token, name)
	if err != nil {
		return uuid.Nil, err
	}

	c.opts.Audit.LogStore(proto.FormatID(token), proto.FormatID(id), name)
	log.Info().
		Str("token", proto.FormatID(token)).
		Str("store", proto.FormatID(id)).
		Str("name", name).
		Msg("store added")
	return id, nil
}

// CheckIn records addr as the peer's host. A zero token is ignored.
func (c *Coordinator) CheckIn(_ context.Context, token uuid.UUID, addr string) error {
	if token == uuid.Nil {
		return nil
	}
	host := c.hostURL(addr)
	if err := c.registry.CheckIn(token, host, c.now()); err != nil {
		return err
	}
	c.opts.Metrics.CheckIns.Inc()
	log.Debug().Str("token", proto.FormatID(token)).Str("host", host).Msg("peer checked in")
	return nil
}

// hostURL turns a check-in address into a base URL, adding the agreed peer
// port when the address carries none.
func (c *Coordinator) hostURL(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(c.opts.PeerPort))
	}
	return "http://" + addr + "/"
}

// GetInventory returns a HashList ticket with the store's full inventory.
func (c *Coordinator) GetInventory(_ context.Context, storeID uuid.UUID) (*proto.Ticket, error) {
	s, ok := c.registry.Store(storeID)
	if !ok {
		return nil, ErrStoreNotFound
	}
	t := proto.NewHashList(storeID, sortedEntries(s.Tree))
	c.opts.Audit.LogTicket("minted", proto.FormatID(t.OpID), t.Type.String(), proto.FormatID(storeID), "", "")
	return t, nil
}

// RepairRequest finds a store holding a verified copy of path, pushes it a
// FileRepair ticket and returns the locator the requester downloads from.
func (c *Coordinator) RepairRequest(ctx context.Context, token, storeID uuid.UUID, path string) (string, error) {
	locator, err := c.repair(ctx, token, storeID, path)
	c.opts.Metrics.RepairRequests.WithLabelValues(repairResult(err)).Inc()
	return locator, err
}

func (c *Coordinator) repair(ctx context.Context, token, storeID uuid.UUID, path string) (string, error) {
	if _, ok := c.registry.Node(token); !ok {
		return "", ErrNodeNotFound
	}
	if _, ok := c.registry.Store(storeID); !ok {
		return "", ErrStoreNotFound
	}
	if !c.registry.Owns(token, storeID) {
		return "", fmt.Errorf("%w: store not owned by peer", node.ErrAuthentication)
	}

	want, ok := c.registry.Global().File(path)
	if !ok {
		return "", ErrEntryNotFound
	}

	logger := log.With().
		Str("store", proto.FormatID(storeID)).
		Str("path", want.Path()).
		Logger()

	candidates := c.registry.Candidates(storeID, want)
	if len(candidates) == 0 {
		logger.Warn().Msg("no replica available for repair")
		return "", node.ErrNoReplica
	}

	// The scan must answer before the requesting peer gives up on it.
	scanCtx, cancel := context.WithTimeout(ctx, c.opts.RelayDeadline)
	defer cancel()

	var errs []error
	for _, cand := range candidates {
		t := proto.NewFileRepair(cand.StoreID, cand.Entry)
		opID := proto.FormatID(t.OpID)
		c.opts.Audit.LogTicket("minted", opID, t.Type.String(), proto.FormatID(cand.StoreID), want.Path(), "")

		err := node.Retry(scanCtx, c.opts.Retry, "push ticket", func(ctx context.Context) error {
			pushCtx, cancel := context.WithTimeout(ctx, c.opts.RelayTimeout)
			defer cancel()
			err := c.opts.Relay.Push(pushCtx, cand.Host, t)
			if err != nil && ctx.Err() == nil && (pushCtx.Err() != nil || timedOut(err)) {
				// A replica that does not answer in time is skipped, not retried.
				return node.Permanent(err)
			}
			return err
		})
		if err != nil {
			c.opts.Metrics.RelayPushes.WithLabelValues("error").Inc()
			c.opts.Audit.LogTicket("push_failed", opID, t.Type.String(), proto.FormatID(cand.StoreID), want.Path(), err.Error())
			logger.Warn().Err(err).Str("host", cand.Host).Str("op_id", opID).Msg("relay push failed, trying next replica")
			errs = append(errs, err)
			if scanCtx.Err() != nil {
				break
			}
			continue
		}

		c.opts.Metrics.RelayPushes.WithLabelValues("ok").Inc()
		c.opts.Audit.LogTicket("pushed", opID, t.Type.String(), proto.FormatID(cand.StoreID), want.Path(), cand.Host)
		logger.Info().Str("host", cand.Host).Str("op_id", opID).Msg("repair relayed")
		return cand.Host + "file?ticket=" + opID, nil
	}

	// Push errors are flattened so only ErrRelayFailed decides the status.
	return "", fmt.Errorf("%w: %v", node.ErrRelayFailed, errors.Join(errs...))
}

// ReceiveTicket is not offered by the coordinator.
func (c *Coordinator) ReceiveTicket(context.Context, *proto.Ticket) error {
	return node.ErrUnsupported
}

// FetchFile is not offered by the coordinator.
func (c *Coordinator) FetchFile(context.Context, uuid.UUID) ([]byte, error) {
	return nil, node.ErrUnsupported
}

func repairResult(err error) string {
	switch {
	case err == nil:
		return "relayed"
	case errors.Is(err, node.ErrNoReplica):
		return "no_replica"
	case errors.Is(err, node.ErrRelayFailed):
		return "relay_failed"
	case errors.Is(err, node.ErrAuthentication):
		return "denied"
	case errors.Is(err, node.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func timedOut(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

type sourceKey struct{}

// WithSource attaches the caller's address to ctx for audit records.
func WithSource(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceKey{}, addr)
}

func sourceIP(ctx context.Context) string {
	addr, _ := ctx.Value(sourceKey{}).(string)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
