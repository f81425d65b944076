package api

import (
	"context"
	"net/http"
	"time"

	"github.com/seantiz/shopagent/internal/store"
)

const pingTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// handleHealthz reports "ok" while the ledger answers. Stores that cannot
// be pinged are assumed reachable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok"}

	if p, ok := s.store.(store.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("healthz: store unreachable", "error", err)
			resp = healthResponse{Status: "degraded", Store: "unreachable"}
			s.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
