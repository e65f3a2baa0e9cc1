package api

import (
	"net/http"
	"time"

	"changehook/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.info,
	}
	if s.queue != nil {
		if n, err := s.queue.Len(r.Context()); err == nil {
			info["queue_length"] = n
		}
	}
	if s.audit != nil {
		info["open_units_of_work"] = s.audit.Open()
	}
	writeJSON(w, http.StatusOK, info)
}
