package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByAction         map[string]int `json:"by_action"`
	TotalRuns        int            `json:"total_runs"`
	OpenRuns         int            `json:"open_runs"`
	AvgRunDurationMS float64        `json:"avg_run_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		ByAction:         stats.CountByAction,
		TotalRuns:        stats.TotalRuns,
		OpenRuns:         stats.OpenRuns,
		AvgRunDurationMS: stats.AvgRunDurationMS,
	})
}
