package coord

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fogmesh/fog/internal/node"
	"github.com/fogmesh/fog/pkg/entry"
	"github.com/fogmesh/fog/pkg/proto"
)

func (s *Server) setupAdminRoutes() {
	s.mux.HandleFunc("/admin/overview", s.withAuth(s.handleAdminOverview))
	s.mux.HandleFunc("/admin/nodes", s.withAuth(s.handleAdminNodes))
	s.mux.HandleFunc("/admin/stores", s.withAuth(s.handleAdminStores))
	s.mux.HandleFunc("/admin/entries", s.withAuth(s.handleAdminEntries))
	s.mux.HandleFunc("/admin/store_entries", s.withAuth(s.handleAdminStoreEntries))
	s.mux.HandleFunc("/admin/permit", s.withAuth(s.handleAdminGrant("permit")))
	s.mux.HandleFunc("/admin/revoke", s.withAuth(s.handleAdminGrant("revoke")))
	s.mux.HandleFunc("/admin/permit_dir", s.withAuth(s.handleAdminGrant("permit_dir")))
	s.mux.HandleFunc("/admin/import", s.withAuth(s.handleAdminImport))
	s.mux.HandleFunc("/admin/save", s.withAuth(s.handleAdminSave))
}

func (s *Server) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, proto.OverviewResponse{
		Version: s.version,
		Nodes:   s.registry.NodeCount(),
		Stores:  s.registry.StoreCount(),
		Entries: s.registry.EntryCount(),
	})
}

func (s *Server) handleAdminNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodes := s.registry.Nodes()
	out := make([]proto.NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, summarizeNode(n))
	}
	s.writeJSON(w, out)
}

func (s *Server) handleAdminStores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stores := s.registry.Stores()
	out := make([]proto.StoreSummary, 0, len(stores))
	for _, st := range stores {
		out = append(out, proto.StoreSummary{
			ID:      proto.FormatID(st.ID),
			Name:    st.Name,
			Owner:   proto.FormatID(st.Owner),
			Entries: st.Tree.Len(),
		})
	}
	s.writeJSON(w, out)
}

func (s *Server) handleAdminEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, summarizeEntries(sortedEntries(s.registry.Global())))
}

func (s *Server) handleAdminStoreEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := proto.ParseID(r.URL.Query().Get("store"))
	if err != nil {
		s.jsonError(w, "invalid store id", http.StatusBadRequest)
		return
	}
	st, ok := s.registry.Store(id)
	if !ok {
		s.jsonError(w, "store not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, summarizeEntries(sortedEntries(st.Tree)))
}

func (s *Server) handleAdminGrant(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req proto.GrantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		id, err := proto.ParseID(req.Store)
		if err != nil {
			s.jsonError(w, "invalid store id", http.StatusBadRequest)
			return
		}
		if req.Path == "" {
			s.jsonError(w, "path required", http.StatusBadRequest)
			return
		}

		changed := 1
		switch action {
		case "permit":
			_, err = s.registry.Permit(id, req.Path)
		case "revoke":
			err = s.registry.Revoke(id, req.Path)
		case "permit_dir":
			changed, err = s.registry.PermitDir(id, req.Path)
		}
		if err != nil {
			node.WriteError(w, r, err)
			return
		}

		s.audit.LogGrant(action, req.Store, req.Path, changed)
		log.Info().
			Str("action", action).
			Str("store", req.Store).
			Str("path", req.Path).
			Int("changed", changed).
			Msg("inventory grant")
		s.writeJSON(w, proto.GrantResponse{Changed: changed})
	}
}

func (s *Server) handleAdminImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		s.jsonError(w, "path required", http.StatusBadRequest)
		return
	}

	res, err := s.importDir(req.Virtual, req.Path)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, entry.ErrInvalidPath) {
			code = http.StatusBadRequest
		}
		s.jsonError(w, err.Error(), code)
		return
	}
	s.writeJSON(w, proto.ImportResponse{Added: res.Added, Skipped: res.Skipped, Conflicts: len(res.Conflicts)})
}

func (s *Server) handleAdminSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.Save(r.Context()); err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func summarizeEntries(entries []*entry.Entry) []proto.EntrySummary {
	out := make([]proto.EntrySummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, proto.EntrySummary{
			Path:    e.Path(),
			Digest:  hex.EncodeToString(e.Digest()),
			Updated: e.Updated(),
		})
	}
	return out
}
