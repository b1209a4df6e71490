package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"backbone/internal/auth"
	"backbone/internal/contact"
	"backbone/internal/domain"
	"backbone/internal/healthcheck"
	"backbone/internal/jobs/maintenance"
	"backbone/internal/metrics"
	"backbone/internal/networkrule"
	"backbone/internal/support"
)

const shutdownTimeout = 10 * time.Second

// Dependencies are the services the HTTP handlers call into.
type Dependencies struct {
	Rules       *networkrule.Service
	Contacts    *contact.Service
	Health      *healthcheck.Checker
	Maintenance *maintenance.Runner
}

type Server struct {
	rules       *networkrule.Service
	contacts    *contact.Service
	health      *healthcheck.Checker
	maintenance *maintenance.Runner
}

func New(deps Dependencies) *Server {
	return &Server{
		rules:       deps.Rules,
		contacts:    deps.Contacts,
		health:      deps.Health,
		maintenance: deps.Maintenance,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto status codes. Forbidden answers
// carry no body.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": verr.Fields})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, "The rule is active with the opposite status, set override to replace it", http.StatusConflict)
	case errors.Is(err, domain.ErrForbidden):
		w.WriteHeader(http.StatusForbidden)
	default:
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// decodeJSON reads the request body into dst. An empty body is accepted when
// optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func pathID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// pagination reads limit and offset query parameters.
func pagination(r *http.Request) (int, int, error) {
	verr := &domain.ValidationError{}
	query := r.URL.Query()

	limit, offset := 0, 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			verr.Add("limit", "must be a non-negative integer")
		}
		limit = n
	}
	if raw := query.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			verr.Add("offset", "must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, verr.OrNil()
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-Deleted-Count, X-Cleared-Count")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Routes builds the full API handler.
func (s *Server) Routes() http.Handler {
	notBlacklisted := s.requireNetworkStatus(networkrule.IsNotBlacklisted)
	admin := func(h http.HandlerFunc) http.Handler { return auth.IsAdmin(h) }

	router := http.NewServeMux()
	router.Handle("POST /register", notBlacklisted(http.HandlerFunc(registerUser)))
	router.Handle("POST /login", notBlacklisted(http.HandlerFunc(loginUser)))
	router.Handle("GET /users/self", auth.RequireAuth(http.HandlerFunc(getSelf)))
	router.Handle("POST /users/self/password", auth.RequireAuth(http.HandlerFunc(changePassword)))

	router.Handle("POST /contacts", notBlacklisted(http.HandlerFunc(s.submitContact)))
	router.Handle("GET /admin/contacts", admin(s.listContacts))
	router.Handle("DELETE /admin/contacts", admin(s.bulkDeleteContacts))
	router.Handle("GET /admin/contacts/{id}", admin(s.getContact))
	router.Handle("DELETE /admin/contacts/{id}", admin(s.deleteContact))

	router.Handle("GET /admin/network_rules", admin(s.listNetworkRules))
	router.Handle("POST /admin/network_rules", admin(s.createNetworkRule))
	router.Handle("DELETE /admin/network_rules", admin(s.bulkDeleteNetworkRules))
	router.Handle("POST /admin/network_rules/activate", admin(s.activateNewNetworkRule))
	router.Handle("POST /admin/network_rules/clear", admin(s.bulkClearNetworkRules))
	router.Handle("GET /admin/network_rules/{id}", admin(s.getNetworkRule))
	router.Handle("PUT /admin/network_rules/{id}", admin(s.updateNetworkRule))
	router.Handle("DELETE /admin/network_rules/{id}", admin(s.deleteNetworkRule))
	router.Handle("POST /admin/network_rules/{id}/clear", admin(s.clearNetworkRule))
	router.Handle("PUT /admin/network_rules/{id}/activate", admin(s.activateNetworkRule))
	router.Handle("POST /admin/network_rules/{id}/extend", admin(s.extendNetworkRule))

	router.Handle("GET /admin/settings", admin(getSettings))
	router.Handle("POST /admin/settings", admin(saveSettings))
	router.Handle("POST /admin/maintenance/{task}", admin(s.runMaintenance))

	router.Handle("GET /healthchecks", admin(s.getHealthchecks))
	router.Handle("GET /healthchecks/{check}", admin(s.getHealthcheck))

	router.Handle("GET /metrics", metricsHandler())
	router.HandleFunc("GET /version", getVersion)

	log.Debug("Routes opened")
	return enableCORS(router)
}

// metricsHandler is admin only unless METRICS_PUBLIC is set for an
// unauthenticated scraper.
func metricsHandler() http.Handler {
	if support.GetEnvBool("METRICS_PUBLIC", false) {
		return metrics.Handler()
	}
	return auth.IsAdmin(metrics.Handler())
}

// OpenRoutes serves handler on port until ctx is cancelled.
func OpenRoutes(ctx context.Context, port int, handler http.Handler) error {
	server := http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("api server shutdown", "error", err)
		}
	}()

	log.Infof("Starting backbone backend on port :%d", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}
