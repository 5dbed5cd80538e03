package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/liamcoop/loanbff/guard"
	"github.com/liamcoop/loanbff/internal/logger"
	"github.com/liamcoop/loanbff/internal/middleware"
)

// maxAdminBody caps guard definitions sent to the admin API.
const maxAdminBody = 1 << 20

// Guard administration. These handlers are mounted under /internal and only
// run behind the admin token.

func (s *Server) handleListGuards(w http.ResponseWriter, r *http.Request) {
	list := GuardsListResponse{Guards: []GuardResponse{}}
	for _, name := range s.guards.Endpoints() {
		en, err := s.guards.Engine(name)
		if err != nil {
			// Removed between the listing and the lookup.
			continue
		}
		g, err := guardResponse(en)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list guards", err)
			return
		}
		list.Guards = append(list.Guards, g)
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetGuard(w http.ResponseWriter, r *http.Request) {
	en, ok := s.guardEngine(w, r)
	if !ok {
		return
	}
	g, err := guardResponse(en)
	if err != nil {
		respondGuardError(w, "failed to read guard", err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

// handlePutGuard replaces the schema and every rule of an endpoint, creating
// the guard when it does not exist yet.
func (s *Server) handlePutGuard(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "endpoint")

	var req guard.EndpointConfig
	if err := decodeAdminBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		respondGuardError(w, "invalid guard", err)
		return
	}
	if err := s.guards.SetEndpoint(name, req.Fields, req.ToRules()); err != nil {
		respondGuardError(w, "failed to set guard", err)
		return
	}
	s.logGuardChange(r, "guard replaced", name, "", len(req.Rules))

	en, err := s.guards.Engine(name)
	if err != nil {
		respondGuardError(w, "failed to read guard", err)
		return
	}
	g, err := guardResponse(en)
	if err != nil {
		respondGuardError(w, "failed to read guard", err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGuard(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "endpoint")
	if err := s.guards.RemoveEndpoint(name); err != nil {
		respondGuardError(w, "guard not found", err)
		return
	}
	s.logGuardChange(r, "guard removed", name, "", 0)
	w.WriteHeader(http.StatusNoContent)
}

// handleReloadGuards rereads GUARDS_FILE, or the built-in guards when it is
// unset, and replaces every guard at once.
func (s *Server) handleReloadGuards(w http.ResponseWriter, r *http.Request) {
	cfg, err := guardConfig(s.cfg.GuardsFile)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read guard config", err)
		return
	}
	if err := s.guards.Load(cfg); err != nil {
		respondGuardError(w, "failed to reload guards", err)
		return
	}

	endpoints := s.guards.Endpoints()
	logger.Info("guards reloaded",
		"endpoints", endpoints,
		"file", s.cfg.GuardsFile,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	respondJSON(w, http.StatusOK, GuardReloadResponse{Endpoints: endpoints})
}

func (s *Server) handleCreateGuardRule(w http.ResponseWriter, r *http.Request) {
	en, ok := s.guardEngine(w, r)
	if !ok {
		return
	}

	var req GuardRuleRequest
	if err := decodeAdminBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Expression == "" {
		respondError(w, http.StatusBadRequest, "expression is required", nil)
		return
	}

	rule := &guard.Rule{
		ID:         req.ID,
		Name:       req.Name,
		Expression: req.Expression,
		Message:    req.Message,
		Active:     req.Active == nil || *req.Active,
	}
	if rule.ID == "" {
		rule.ID = "rule-" + uuid.NewString()
	}

	if err := en.AddRule(rule); err != nil {
		respondGuardError(w, "failed to add rule", err)
		return
	}
	s.logGuardChange(r, "guard rule added", en.Name(), rule.ID, 0)
	respondJSON(w, http.StatusCreated, ruleResponse(rule))
}

func (s *Server) handleGetGuardRule(w http.ResponseWriter, r *http.Request) {
	en, ok := s.guardEngine(w, r)
	if !ok {
		return
	}
	rule, err := en.Rule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondGuardError(w, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, ruleResponse(rule))
}

// handleUpdateGuardRule changes the fields present in the body and keeps the rest.
func (s *Server) handleUpdateGuardRule(w http.ResponseWriter, r *http.Request) {
	en, ok := s.guardEngine(w, r)
	if !ok {
		return
	}

	var req GuardRuleRequest
	if err := decodeAdminBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := en.Rule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondGuardError(w, "rule not found", err)
		return
	}
	if req.Name != "" {
		rule.Name = req.Name
	}
	if req.Expression != "" {
		rule.Expression = req.Expression
	}
	if req.Message != "" {
		rule.Message = req.Message
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := en.UpdateRule(rule); err != nil {
		respondGuardError(w, "failed to update rule", err)
		return
	}
	s.logGuardChange(r, "guard rule updated", en.Name(), rule.ID, 0)
	respondJSON(w, http.StatusOK, ruleResponse(rule))
}

func (s *Server) handleDeleteGuardRule(w http.ResponseWriter, r *http.Request) {
	en, ok := s.guardEngine(w, r)
	if !ok {
		return
	}
	ruleID := chi.URLParam(r, "ruleId")
	if err := en.DeleteRule(ruleID); err != nil {
		respondGuardError(w, "rule not found", err)
		return
	}
	s.logGuardChange(r, "guard rule deleted", en.Name(), ruleID, 0)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) guardEngine(w http.ResponseWriter, r *http.Request) (*guard.Engine, bool) {
	en, err := s.guards.Engine(chi.URLParam(r, "endpoint"))
	if err != nil {
		respondGuardError(w, "guard not found", err)
		return nil, false
	}
	return en, true
}

func (s *Server) logGuardChange(r *http.Request, msg, endpoint, ruleID string, rules int) {
	attrs := []any{"endpoint", endpoint, "request_id", middleware.GetRequestID(r.Context())}
	if ruleID != "" {
		attrs = append(attrs, "rule_id", ruleID)
	}
	if rules > 0 {
		attrs = append(attrs, "rules", rules)
	}
	logger.Info(msg, attrs...)
}

func decodeAdminBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode body: %w", err)
	}
	return nil
}

// respondGuardError maps guard errors to 404, 409 and 400. Anything else is a 500.
func respondGuardError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, guard.ErrEndpointNotFound), errors.Is(err, guard.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, guard.ErrRuleExists):
		status = http.StatusConflict
	case errors.Is(err, guard.ErrInvalidRule), errors.Is(err, guard.ErrInvalidGuard):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Error(message, "error", err)
	}
	respondError(w, status, message, err)
}

func guardResponse(en *guard.Engine) (GuardResponse, error) {
	rules, err := en.Rules()
	if err != nil {
		return GuardResponse{}, err
	}
	g := GuardResponse{
		Endpoint: en.Name(),
		Fields:   en.Schema(),
		Rules:    make([]GuardRuleResponse, 0, len(rules)),
	}
	for _, rule := range rules {
		g.Rules = append(g.Rules, ruleResponse(rule))
	}
	return g, nil
}

func ruleResponse(r *guard.Rule) GuardRuleResponse {
	return GuardRuleResponse{
		ID:         r.ID,
		Name:       r.Name,
		Expression: r.Expression,
		Message:    r.Message,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
