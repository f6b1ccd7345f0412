package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/pkg/proto"
)

// AdminClient is a client for the coordinator admin API.
type AdminClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewAdminClient creates a new admin client.
func NewAdminClient(baseURL, authToken string) *AdminClient {
	return &AdminClient{
		baseURL:   node.NormalizeHost(baseURL),
		authToken: authToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Overview returns registry counts and the server version.
func (c *AdminClient) Overview(ctx context.Context) (*proto.OverviewResponse, error) {
	var out proto.OverviewResponse
	if err := c.get(ctx, "admin/overview", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Nodes lists registered peers in registration order.
func (c *AdminClient) Nodes(ctx context.Context) ([]proto.NodeSummary, error) {
	var out []proto.NodeSummary
	if err := c.get(ctx, "admin/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stores lists registered stores in registration order.
func (c *AdminClient) Stores(ctx context.Context) ([]proto.StoreSummary, error) {
	var out []proto.StoreSummary
	if err := c.get(ctx, "admin/stores", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Entries lists the global inventory, or a store's inventory when storeID is set.
func (c *AdminClient) Entries(ctx context.Context, storeID string) ([]proto.EntrySummary, error) {
	var out []proto.EntrySummary
	path, params := "admin/entries", url.Values(nil)
	if storeID != "" {
		path, params = "admin/store_entries", url.Values{"store": {storeID}}
	}
	if err := c.get(ctx, path, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Permit grants the global entry at path to a store.
func (c *AdminClient) Permit(ctx context.Context, storeID, path string) (int, error) {
	return c.grant(ctx, "admin/permit", storeID, path)
}

// Revoke removes the entry at path from a store.
func (c *AdminClient) Revoke(ctx context.Context, storeID, path string) (int, error) {
	return c.grant(ctx, "admin/revoke", storeID, path)
}

// PermitDir grants every file directly under a global directory to a store.
func (c *AdminClient) PermitDir(ctx context.Context, storeID, dir string) (int, error) {
	return c.grant(ctx, "admin/permit_dir", storeID, dir)
}

// Import adds a directory on the coordinator host to the global inventory.
func (c *AdminClient) Import(ctx context.Context, virtual, path string) (*proto.ImportResponse, error) {
	var out proto.ImportResponse
	if err := c.post(ctx, "admin/import", proto.ImportRequest{Virtual: virtual, Path: path}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Save asks the coordinator to persist its state now.
func (c *AdminClient) Save(ctx context.Context) error {
	return c.post(ctx, "admin/save", nil, nil)
}

func (c *AdminClient) grant(ctx context.Context, path, storeID, target string) (int, error) {
	var out proto.GrantResponse
	if err := c.post(ctx, path, proto.GrantRequest{Store: storeID, Path: target}, &out); err != nil {
		return 0, err
	}
	return out.Changed, nil
}

func (c *AdminClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *AdminClient) post(ctx context.Context, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *AdminClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *AdminClient) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.client.Do(req)
}

func (c *AdminClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return node.ErrorFromStatus(resp.StatusCode, errResp.Message)
	}

	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
