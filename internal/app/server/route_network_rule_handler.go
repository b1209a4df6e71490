package server

import (
	"net/http"
	"strconv"
	"strings"

	"backbone/internal/api/dto"
	"backbone/internal/domain"
)

func (s *Server) listNetworkRules(w http.ResponseWriter, r *http.Request) {
	filter, err := parseNetworkRuleFilter(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	rules, total, err := s.rules.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewNetworkRulePage(rules, total, s.rules.Now()))
}

func parseNetworkRuleFilter(r *http.Request) (domain.NetworkRuleFilter, error) {
	var filter domain.NetworkRuleFilter
	verr := &domain.ValidationError{}
	query := r.URL.Query()

	if raw := query.Get("status"); raw != "" {
		status, err := domain.ParseNetworkRuleStatus(raw)
		if err != nil {
			verr.Add("status", "unknown status")
		} else {
			filter.Status = &status
		}
	}
	if raw := query.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			verr.Add("active", "must be true or false")
		} else {
			filter.Active = &active
		}
	}
	filter.IP = strings.TrimSpace(query.Get("ip"))

	limit, offset, err := pagination(r)
	if err != nil {
		return filter, err
	}
	filter.Limit, filter.Offset = limit, offset

	return filter, verr.OrNil()
}

func (s *Server) createNetworkRule(w http.ResponseWriter, r *http.Request) {
	var req dto.NetworkRuleRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	input, err := req.ToInput()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	rule, err := s.rules.Create(r.Context(), input)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto.NewNetworkRule(*rule, s.rules.Now()))
}

func (s *Server) getNetworkRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	rule, err := s.rules.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewNetworkRule(*rule, s.rules.Now()))
}

func (s *Server) updateNetworkRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	var req dto.NetworkRuleRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	input, err := req.ToInput()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	rule, err := s.rules.Update(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewNetworkRule(*rule, s.rules.Now()))
}

func (s *Server) deleteNetworkRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	if err := s.rules.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bulkDeleteNetworkRules removes whichever of the given ids exist and reports
// how many were deleted in X-Deleted-Count.
func (s *Server) bulkDeleteNetworkRules(w http.ResponseWriter, r *http.Request) {
	var req dto.IDList
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		writeServiceError(w, r, domain.NewValidationError("ids", "this field is required"))
		return
	}

	deleted, err := s.rules.BulkDelete(r.Context(), req.IDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("X-Deleted-Count", strconv.Itoa(deleted))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearNetworkRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	rule, updated, err := s.rules.ClearByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NetworkRuleClearResult{
		NetworkRule: dto.NewNetworkRule(*rule, s.rules.Now()),
		Updated:     updated,
	})
}

func (s *Server) activateNetworkRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	var req dto.ActivateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	status, expires, err := req.Parse()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	rule, err := s.rules.Activate(r.Context(), id, status, expires, strings.TrimSpace(req.Comment), req.Override)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewNetworkRule(*rule, s.rules.Now()))
}

func (s *Server) activateNewNetworkRule(w http.ResponseWriter, r *http.Request) {
	var req dto.ActivateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	status, expires, err := req.Parse()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	rule, err := s.rules.ActivateNew(r.Context(), req.IP, status, expires, strings.TrimSpace(req.Comment))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto.NewNetworkRule(*rule, s.rules.Now()))
}

func (s *Server) bulkClearNetworkRules(w http.ResponseWriter, r *http.Request) {
	var req dto.ClearRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	status, err := req.Parse()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	cleared, err := s.rules.BulkClear(r.Context(), status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("X-Cleared-Count", strconv.Itoa(cleared))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) extendNetworkRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	var req dto.ExtendRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	endDate, err := req.Parse()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	rule, err := s.rules.ExtendByID(r.Context(), id, endDate)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewNetworkRule(*rule, s.rules.Now()))
}
