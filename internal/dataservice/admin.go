package dataservice

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// AdminRouter exposes a small read-only inspection surface on
// github.com/go-chi/chi/v5 — distinct from the supervisor's gorilla/mux
// ops surface (internal/opsapi), for looking at global settings and
// per-context capability bitsets without granting any method access.
func (s *Service) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/settings/{key}", s.handleGetSetting)
	r.Get("/contexts/{id}/caps", s.handleGetCaps)
	return r
}

func (s *Service) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	s.store.mu.Lock()
	v, ok := s.store.globals[key]
	s.store.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"key":   key,
		"value": hex.EncodeToString(v),
	})
}

func (s *Service) handleGetCaps(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "bad context id", http.StatusBadRequest)
		return
	}
	c, ok := s.ctx.get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"context_id": id,
		"caps_bytes": c.caps.Bytes(),
	})
}
