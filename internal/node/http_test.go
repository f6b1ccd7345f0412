package node

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogmesh/fog/pkg/entry"
	"github.com/fogmesh/fog/pkg/proto"
)

// fakeNode records calls and answers from canned values.
type fakeNode struct {
	mu sync.Mutex

	accessToken string
	token       uuid.UUID
	storeID     uuid.UUID
	checkins    []string
	inventory   *proto.Ticket
	locator     string
	repairErr   error
	received    []*proto.Ticket
	files       map[uuid.UUID][]byte
	panicOn     string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		accessToken: "secret",
		token:       uuid.New(),
		storeID:     uuid.New(),
		files:       make(map[uuid.UUID][]byte),
	}
}

func (f *fakeNode) Register(_ context.Context, accessToken, name string) (uuid.UUID, error) {
	if f.panicOn == "register" {
		panic("boom")
	}
	if accessToken != f.accessToken {
		return uuid.Nil, ErrAuthentication
	}
	return f.token, nil
}

func (f *fakeNode) AddStore(_ context.Context, token uuid.UUID, _ string) (uuid.UUID, error) {
	if token != f.token {
		return uuid.Nil, fmt.Errorf("%w: unknown token", ErrAuthentication)
	}
	return f.storeID, nil
}

func (f *fakeNode) CheckIn(_ context.Context, _ uuid.UUID, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkins = append(f.checkins, addr)
	return nil
}

func (f *fakeNode) GetInventory(_ context.Context, storeID uuid.UUID) (*proto.Ticket, error) {
	if storeID != f.storeID {
		return nil, fmt.Errorf("%w: store %s", ErrNotFound, storeID)
	}
	return f.inventory, nil
}

func (f *fakeNode) RepairRequest(context.Context, uuid.UUID, uuid.UUID, string) (string, error) {
	if f.repairErr != nil {
		return "", f.repairErr
	}
	return f.locator, nil
}

func (f *fakeNode) ReceiveTicket(_ context.Context, t *proto.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, t)
	return nil
}

func (f *fakeNode) FetchFile(_ context.Context, opID uuid.UUID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[opID]
	if !ok {
		return nil, fmt.Errorf("%w: ticket %s", ErrNotFound, opID)
	}
	delete(f.files, opID)
	return data, nil
}

func newTestServer(t *testing.T, n Node) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(NewHandler(n))
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, ClientConfig{
		Timeout: 5 * time.Second,
		Retry:   RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
}

func testEntry(t *testing.T, path, content string) *entry.Entry {
	t.Helper()
	sum := md5.Sum([]byte(content))
	e, err := entry.New(path, sum[:], time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return e
}

func TestHTTP_Register(t *testing.T) {
	fake := newFakeNode()
	srv, client := newTestServer(t, fake)
	ctx := context.Background()

	token, err := client.Register(ctx, "secret", "N1")
	require.NoError(t, err)
	assert.Equal(t, fake.token, token)

	_, err = client.Register(ctx, "wrong", "N1")
	assert.ErrorIs(t, err, ErrAuthentication)

	// Raw contract: 16 raw bytes on success, 400 without a name.
	resp, err := http.Get(srv.URL + "/register?access_token=secret&name=N1")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fake.token[:], body)

	resp, err = http.Get(srv.URL + "/register?access_token=secret")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/register?name=N1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_AddStore(t *testing.T) {
	fake := newFakeNode()
	srv, client := newTestServer(t, fake)

	id, err := client.AddStore(context.Background(), fake.token, "photos")
	require.NoError(t, err)
	assert.Equal(t, fake.storeID, id)

	_, err = client.AddStore(context.Background(), uuid.New(), "photos")
	assert.ErrorIs(t, err, ErrAuthentication)

	resp, err := http.Get(srv.URL + "/add_store?token=nothex&name=x")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_CheckIn(t *testing.T) {
	fake := newFakeNode()
	srv, client := newTestServer(t, fake)

	require.NoError(t, client.CheckIn(context.Background(), fake.token, ":7000"))
	require.NoError(t, client.CheckIn(context.Background(), fake.token, ""))

	resp, err := http.Get(srv.URL + "/checkin?token=" + proto.FormatID(fake.token) + "&port=99999")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"127.0.0.1:7000", "127.0.0.1"}, fake.checkins)
}

func TestHTTP_GetInventory(t *testing.T) {
	fake := newFakeNode()
	fake.inventory = proto.NewHashList(fake.storeID, []*entry.Entry{testEntry(t, "/a.txt", "a")})
	srv, client := newTestServer(t, fake)

	ticket, err := client.GetInventory(context.Background(), fake.storeID)
	require.NoError(t, err)
	assert.Equal(t, fake.inventory.OpID, ticket.OpID)
	require.Len(t, ticket.Entries, 1)
	assert.Equal(t, "/a.txt", ticket.Entries[0].Path())

	_, err = client.GetInventory(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	// The original parameter name is accepted on both aliases.
	for _, path := range []string{"/get_list", "/poll_list"} {
		resp, err := http.Get(srv.URL + path + "?token=" + proto.FormatID(fake.storeID))
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)

		decoded, err := proto.UnmarshalTicket(body)
		require.NoError(t, err)
		assert.Equal(t, fake.inventory.OpID, decoded.OpID)
	}
}

func TestHTTP_Repair(t *testing.T) {
	fake := newFakeNode()
	fake.locator = "http://10.0.0.2:6681/file?ticket=abc"
	_, client := newTestServer(t, fake)
	ctx := context.Background()

	loc, err := client.RepairRequest(ctx, fake.token, fake.storeID, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, fake.locator, loc)

	fake.repairErr = fmt.Errorf("%w for /a.txt", ErrNoReplica)
	_, err = client.RepairRequest(ctx, fake.token, fake.storeID, "/a.txt")
	assert.ErrorIs(t, err, ErrNoReplica)
	assert.NotErrorIs(t, err, ErrRelayFailed)

	fake.repairErr = fmt.Errorf("%w: /a.txt", ErrNotFound)
	_, err = client.RepairRequest(ctx, fake.token, fake.storeID, "/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrNoReplica)

	fake.repairErr = fmt.Errorf("%w: all candidates unreachable", ErrRelayFailed)
	_, err = client.RepairRequest(ctx, fake.token, fake.storeID, "/a.txt")
	assert.ErrorIs(t, err, ErrRelayFailed)
}

func TestHTTP_ReceiveTicket(t *testing.T) {
	fake := newFakeNode()
	srv, client := newTestServer(t, fake)

	ticket := proto.NewFileRepair(fake.storeID, testEntry(t, "/x", "y"))
	require.NoError(t, client.ReceiveTicket(context.Background(), ticket))

	fake.mu.Lock()
	require.Len(t, fake.received, 1)
	assert.Equal(t, ticket.OpID, fake.received[0].OpID)
	fake.mu.Unlock()

	resp, err := http.Post(srv.URL+"/op_ticket", "application/octet-stream", strings.NewReader("garbage"))
	require.NoError(t, err)
	var errResp proto.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errResp.Message, proto.ErrDecode.Error())

	resp, err = http.Get(srv.URL + "/op_ticket")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	fake.mu.Lock()
	assert.Len(t, fake.received, 1, "malformed ticket must not be delivered")
	fake.mu.Unlock()
}

func TestHTTP_FetchFileOneShot(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		t.Run(fmt.Sprintf("compression=%v", compressed), func(t *testing.T) {
			fake := newFakeNode()
			srv := httptest.NewServer(NewHandler(fake))
			defer srv.Close()
			client := NewClient(srv.URL, ClientConfig{Compression: compressed})

			opID := uuid.New()
			content := strings.Repeat("fog ", 1000)
			fake.files[opID] = []byte(content)

			data, err := client.FetchFile(context.Background(), opID)
			require.NoError(t, err)
			assert.Equal(t, content, string(data))

			_, err = client.FetchFile(context.Background(), opID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestHTTP_ZstdContentEncoding(t *testing.T) {
	fake := newFakeNode()
	srv, _ := newTestServer(t, fake)
	opID := uuid.New()
	fake.files[opID] = []byte(strings.Repeat("a", 4096))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/file?ticket="+proto.FormatID(opID), nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip, zstd;q=0.9")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, EncodingZstd, resp.Header.Get("Content-Encoding"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Less(t, len(body), 4096)

	plain, err := decompress(body)
	require.NoError(t, err)
	assert.Len(t, plain, 4096)
}

func TestClient_DownloadLimit(t *testing.T) {
	fake := newFakeNode()
	srv := httptest.NewServer(NewHandler(fake))
	defer srv.Close()

	opID := uuid.New()
	fake.files[opID] = make([]byte, 100)

	client := NewClient(srv.URL, ClientConfig{MaxFileSize: 10})
	_, err := client.FetchFile(context.Background(), opID)
	assert.Error(t, err)
}

func TestHTTP_PanicRecovery(t *testing.T) {
	fake := newFakeNode()
	fake.panicOn = "register"
	srv, _ := newTestServer(t, fake)

	resp, err := http.Get(srv.URL + "/register?access_token=secret&name=N1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The server keeps serving.
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health proto.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			JSONError(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, ClientConfig{
		Retry: RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	require.NoError(t, client.CheckIn(context.Background(), uuid.New(), ""))

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{ErrAuthentication, http.StatusUnauthorized},
		{ErrMalformedRequest, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", proto.ErrDecode), http.StatusBadRequest},
		{entry.ErrInvalidPath, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrNoReplica, http.StatusNotFound},
		{ErrUnsupported, http.StatusNotFound},
		{ErrRelayFailed, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, StatusCode(tt.err), "%v", tt.err)
	}

	for _, sentinel := range []error{ErrAuthentication, ErrMalformedRequest, proto.ErrDecode, ErrNotFound, ErrNoReplica, ErrUnsupported, ErrRelayFailed} {
		back := ErrorFromStatus(StatusCode(sentinel), sentinel.Error())
		assert.ErrorIs(t, back, sentinel)
	}

	assert.True(t, Temporary(errors.New("connection refused")))
	assert.True(t, Temporary(ErrRelayFailed))
	assert.False(t, Temporary(ErrNoReplica))
	assert.False(t, Temporary(ErrAuthentication))
	assert.False(t, Temporary(nil))

	hung := Permanent(fmt.Errorf("push: %w", context.DeadlineExceeded))
	assert.False(t, Temporary(hung))
	assert.ErrorIs(t, hung, context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, StatusCode(hung))
	assert.Nil(t, Permanent(nil))
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	attempts := 0
	err := Retry(context.Background(), cfg, "test", func(context.Context) error {
		attempts++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = Retry(context.Background(), cfg, "test", func(context.Context) error {
		attempts++
		return ErrNoReplica
	})
	assert.ErrorIs(t, err, ErrNoReplica)
	assert.Equal(t, 1, attempts, "permanent errors are not retried")

	attempts = 0
	err = Retry(context.Background(), cfg, "test", func(context.Context) error {
		attempts++
		return Permanent(errors.New("transient"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "errors marked Permanent are not retried")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Retry(ctx, RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, "test", func(context.Context) error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:6681/", NormalizeHost("10.0.0.1:6681"))
	assert.Equal(t, "http://x/", NormalizeHost("http://x"))
	assert.Equal(t, "https://x/", NormalizeHost("https://x/"))
}
