package node

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fogmesh/fog/pkg/proto"
)

// MaxTicketBody bounds the size of an inbound /op_ticket body.
const MaxTicketBody = 64 << 20

// Handler exposes a Node over HTTP.
type Handler struct {
	node Node
	mux  *http.ServeMux
}

// NewHandler creates a handler serving n's operations.
func NewHandler(n Node) *Handler {
	h := &Handler{node: n, mux: http.NewServeMux()}
	h.Routes(h.mux)
	return h
}

// Routes registers the node endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/register", h.handleRegister)
	mux.HandleFunc("/add_store", h.handleAddStore)
	mux.HandleFunc("/checkin", h.handleCheckIn)
	mux.HandleFunc("/get_list", h.handleGetList)
	mux.HandleFunc("/poll_list", h.handleGetList)
	mux.HandleFunc("/repair", h.handleRepair)
	mux.HandleFunc("/op_ticket", h.handleOpTicket)
	mux.HandleFunc("/file", h.handleFile)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	Recover(h.mux).ServeHTTP(w, r)
}

// Recover answers 500 for a request whose handler panics instead of letting
// the panic reach the server.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Error().
					Str("path", r.URL.Path).
					Interface("panic", v).
					Msg("request handler panicked")
				JSONError(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// JSONError writes an error response.
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// WriteError answers with the status StatusCode assigns to err.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	}
	JSONError(w, err.Error(), code)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(proto.HealthResponse{Status: "ok"})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	accessToken := r.FormValue("access_token")
	name := r.FormValue("name")
	if accessToken == "" {
		WriteError(w, r, fmt.Errorf("%w: missing access_token", ErrAuthentication))
		return
	}
	if name == "" {
		WriteError(w, r, fmt.Errorf("%w: missing name", ErrMalformedRequest))
		return
	}

	token, err := h.node.Register(r.Context(), accessToken, name)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeID(w, token)
}

func (h *Handler) handleAddStore(w http.ResponseWriter, r *http.Request) {
	token, ok := idParam(w, r, "token")
	if !ok {
		return
	}
	name := r.FormValue("name")
	if name == "" {
		WriteError(w, r, fmt.Errorf("%w: missing name", ErrMalformedRequest))
		return
	}

	storeID, err := h.node.AddStore(r.Context(), token, name)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeID(w, storeID)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	token, ok := idParam(w, r, "token")
	if !ok {
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr := host
	if p := r.FormValue("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			WriteError(w, r, fmt.Errorf("%w: invalid port %q", ErrMalformedRequest, p))
			return
		}
		addr = net.JoinHostPort(host, p)
	}

	if err := h.node.CheckIn(r.Context(), token, addr); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetList(w http.ResponseWriter, r *http.Request) {
	param := "store"
	if r.FormValue(param) == "" {
		param = "token"
	}
	storeID, ok := idParam(w, r, param)
	if !ok {
		return
	}

	ticket, err := h.node.GetInventory(r.Context(), storeID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	data, err := ticket.MarshalBinary()
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (h *Handler) handleRepair(w http.ResponseWriter, r *http.Request) {
	token, ok := idParam(w, r, "token")
	if !ok {
		return
	}
	storeID, ok := idParam(w, r, "store")
	if !ok {
		return
	}
	path := r.FormValue("path")
	if path == "" {
		WriteError(w, r, fmt.Errorf("%w: missing path", ErrMalformedRequest))
		return
	}

	locator, err := h.node.RepairRequest(r.Context(), token, storeID, path)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, locator)
}

func (h *Handler) handleOpTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		JSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxTicketBody+1))
	if err != nil {
		WriteError(w, r, fmt.Errorf("%w: read body: %v", ErrMalformedRequest, err))
		return
	}
	if len(body) > MaxTicketBody {
		JSONError(w, "ticket too large", http.StatusRequestEntityTooLarge)
		return
	}

	ticket, err := proto.UnmarshalTicket(body)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.node.ReceiveTicket(r.Context(), ticket); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleFile(w http.ResponseWriter, r *http.Request) {
	opID, ok := idParam(w, r, "ticket")
	if !ok {
		return
	}

	data, err := h.node.FetchFile(r.Context(), opID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Vary", "Accept-Encoding")
	if acceptsZstd(r.Header.Get("Accept-Encoding")) {
		data = compress(data)
		w.Header().Set("Content-Encoding", EncodingZstd)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.FormValue(name)
	if raw == "" {
		WriteError(w, r, fmt.Errorf("%w: missing %s", ErrMalformedRequest, name))
		return uuid.Nil, false
	}
	id, err := proto.ParseID(raw)
	if err != nil {
		WriteError(w, r, fmt.Errorf("%w: %s: %v", ErrMalformedRequest, name, err))
		return uuid.Nil, false
	}
	return id, true
}

func writeID(w http.ResponseWriter, id uuid.UUID) {
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(id[:])
}
