package server

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"backbone/internal/jobs/maintenance"
)

func (s *Server) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("check")
	check, ok := s.health.Checks()[name]
	if !ok {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	if err := check(r.Context()); err != nil {
		log.Warn("healthcheck failed", "check", name, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getHealthchecks(w http.ResponseWriter, r *http.Request) {
	results := s.health.All(r.Context())

	status := http.StatusOK
	report := make(map[string]string, len(results))
	for name, err := range results {
		if err != nil {
			log.Warn("healthcheck failed", "check", name, "error", err)
			report[name] = "failed"
			status = http.StatusInternalServerError
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

func (s *Server) runMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	affected, err := s.maintenance.RunNow(r.Context(), r.PathValue("task"))
	if err != nil {
		if errors.Is(err, maintenance.ErrUnknownTask) {
			writeError(w, "Not found", http.StatusNotFound)
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"affected": affected})
}
