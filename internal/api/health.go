package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status   string   `json:"status"`
	Backends []string `json:"backends"`
}

// handleHealthz reports liveness: whether the job store answers queries and
// which worker backends are registered. A store error degrades the status
// and the response code to 503.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var names []string
	for _, info := range s.registry.List() {
		names = append(names, info.Name)
	}
	resp := healthResponse{Status: "ok", Backends: names}
	code := http.StatusOK
	if _, err := s.store.GetJobStats(r.Context()); err != nil {
		s.logger.Error("healthz store check", "error", err)
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
