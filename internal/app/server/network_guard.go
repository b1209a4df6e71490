package server

import (
	"net/http"

	"github.com/charmbracelet/log"

	"backbone/internal/metrics"
	"backbone/internal/networkrule"
	"backbone/internal/support"
)

// requireNetworkStatus rejects callers whose address does not satisfy req.
// Denials are an empty 403 so the reason never reaches the client.
func (s *Server) requireNetworkStatus(req networkrule.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := support.GetClientIP(r)

			allowed, status, err := networkrule.Allowed(r.Context(), s.rules, ip, req)
			if err != nil {
				metrics.AccessDecisions.WithLabelValues(metrics.DecisionError).Inc()
				log.Error("network rule lookup failed", "ip", ip, "path", r.URL.Path, "error", err)
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if !allowed {
				metrics.AccessDecisions.WithLabelValues(metrics.DecisionDenied).Inc()
				log.Info("request denied by network rule", "ip", ip, "status", status, "path", r.URL.Path)
				w.WriteHeader(http.StatusForbidden)
				return
			}

			metrics.AccessDecisions.WithLabelValues(metrics.DecisionAllowed).Inc()
			next.ServeHTTP(w, r)
		})
	}
}
