package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fogmesh/fog/pkg/proto"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Timeout     time.Duration // per-request timeout (default: 30s)
	Retry       RetryConfig   // used for idempotent calls
	Compression bool          // request zstd-encoded file transfers
	MaxFileSize int64         // reject downloads larger than this; 0 means no limit
}

// Client talks to a remote node over HTTP. It implements Node.
type Client struct {
	baseURL string
	cfg     ClientConfig
	client  *http.Client
}

var _ Node = (*Client)(nil)

// NewClient creates a client for the node at baseURL.
func NewClient(baseURL string, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Client{
		baseURL: NormalizeHost(baseURL),
		cfg:     cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// NormalizeHost turns "host:port" or "http://host:port" into "http://host:port/".
func NormalizeHost(host string) string {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	if !strings.HasSuffix(host, "/") {
		host += "/"
	}
	return host
}

// BaseURL returns the base URL of the remote node.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections closes any idle connections in the HTTP client pool.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// Register mints a peer identity on the coordinator.
func (c *Client) Register(ctx context.Context, accessToken, name string) (uuid.UUID, error) {
	body, err := c.call(ctx, http.MethodPost, "register", url.Values{
		"access_token": {accessToken},
		"name":         {name},
	}, nil)
	if err != nil {
		return uuid.Nil, err
	}
	return proto.IDFromBytes(body)
}

// AddStore creates a store owned by token.
func (c *Client) AddStore(ctx context.Context, token uuid.UUID, name string) (uuid.UUID, error) {
	body, err := c.call(ctx, http.MethodPost, "add_store", url.Values{
		"token": {proto.FormatID(token)},
		"name":  {name},
	}, nil)
	if err != nil {
		return uuid.Nil, err
	}
	return proto.IDFromBytes(body)
}

// CheckIn reports the peer as reachable. The remote side takes the host from
// the connection; only the port of addr is sent.
func (c *Client) CheckIn(ctx context.Context, token uuid.UUID, addr string) error {
	params := url.Values{"token": {proto.FormatID(token)}}
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" && port != "0" {
		params.Set("port", port)
	}
	return Retry(ctx, c.cfg.Retry, "checkin", func(ctx context.Context) error {
		_, err := c.call(ctx, http.MethodPost, "checkin", params, nil)
		return err
	})
}

// GetInventory pulls the HashList ticket for storeID.
func (c *Client) GetInventory(ctx context.Context, storeID uuid.UUID) (*proto.Ticket, error) {
	var body []byte
	err := Retry(ctx, c.cfg.Retry, "get_list", func(ctx context.Context) error {
		var err error
		body, err = c.call(ctx, http.MethodGet, "get_list", url.Values{"store": {proto.FormatID(storeID)}}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proto.UnmarshalTicket(body)
}

// RepairRequest asks the coordinator to route a repair and returns the locator.
func (c *Client) RepairRequest(ctx context.Context, token, storeID uuid.UUID, path string) (string, error) {
	body, err := c.call(ctx, http.MethodPost, "repair", url.Values{
		"token": {proto.FormatID(token)},
		"store": {proto.FormatID(storeID)},
		"path":  {path},
	}, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ReceiveTicket pushes a ticket to the remote node.
func (c *Client) ReceiveTicket(ctx context.Context, t *proto.Ticket) error {
	data, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, http.MethodPost, "op_ticket", nil, data)
	return err
}

// FetchFile retrieves the file staged under opID on the remote node.
func (c *Client) FetchFile(ctx context.Context, opID uuid.UUID) ([]byte, error) {
	return c.Download(ctx, c.baseURL+"file?ticket="+proto.FormatID(opID))
}

// Download retrieves a file from a locator returned by RepairRequest.
func (c *Client) Download(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad locator %q: %v", ErrMalformedRequest, locator, err)
	}
	if c.cfg.Compression {
		req.Header.Set("Accept-Encoding", EncodingZstd)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var reader io.Reader = resp.Body
	if c.cfg.MaxFileSize > 0 {
		if resp.ContentLength > c.cfg.MaxFileSize {
			return nil, fmt.Errorf("download of %d bytes exceeds limit of %d", resp.ContentLength, c.cfg.MaxFileSize)
		}
		reader = io.LimitReader(resp.Body, c.cfg.MaxFileSize+1)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.Header.Get("Content-Encoding") == EncodingZstd {
		if data, err = decompress(data); err != nil {
			return nil, fmt.Errorf("decompress download: %w", err)
		}
	}
	if c.cfg.MaxFileSize > 0 && int64(len(data)) > c.cfg.MaxFileSize {
		return nil, fmt.Errorf("download exceeds limit of %d bytes", c.cfg.MaxFileSize)
	}
	return data, nil
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values, body []byte) ([]byte, error) {
	resp, err := c.doRequest(ctx, method, path, params, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", path, err)
	}
	return data, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body []byte) (*http.Response, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	return c.client.Do(req)
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return ErrorFromStatus(resp.StatusCode, errResp.Message)
	}
	return ErrorFromStatus(resp.StatusCode, strings.TrimSpace(string(body)))
}
