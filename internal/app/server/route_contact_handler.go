package server

import (
	"errors"
	"net/http"
	"strconv"

	"backbone/internal/api/dto"
	"backbone/internal/auth"
	"backbone/internal/domain"
	"backbone/internal/metrics"
	"backbone/internal/support"
)

func (s *Server) submitContact(w http.ResponseWriter, r *http.Request) {
	var req dto.ContactRequest
	if err := decodeJSON(r, &req, false); err != nil {
		metrics.ContactSubmissions.WithLabelValues(metrics.OutcomeInvalid).Inc()
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	_, err := s.contacts.Submit(r.Context(), support.GetClientIP(r), auth.OptionalUserID(r), req.ToSubmission())
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrForbidden):
			metrics.ContactSubmissions.WithLabelValues(metrics.OutcomeBanned).Inc()
		case errors.As(err, &verr):
			metrics.ContactSubmissions.WithLabelValues(metrics.OutcomeInvalid).Inc()
		default:
			metrics.ContactSubmissions.WithLabelValues(metrics.OutcomeFailed).Inc()
		}
		writeServiceError(w, r, err)
		return
	}

	metrics.ContactSubmissions.WithLabelValues(metrics.OutcomeAccepted).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	contacts, total, err := s.contacts.List(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewContactPage(contacts, total))
}

func (s *Server) getContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	c, err := s.contacts.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewContact(*c))
}

func (s *Server) deleteContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	if err := s.contacts.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) bulkDeleteContacts(w http.ResponseWriter, r *http.Request) {
	var req dto.IDList
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		writeServiceError(w, r, domain.NewValidationError("ids", "this field is required"))
		return
	}

	deleted, err := s.contacts.BulkDelete(r.Context(), req.IDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("X-Deleted-Count", strconv.FormatInt(deleted, 10))
	w.WriteHeader(http.StatusNoContent)
}
