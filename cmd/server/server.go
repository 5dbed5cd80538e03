package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/loanbff/audit"
	"github.com/liamcoop/loanbff/envelope"
	"github.com/liamcoop/loanbff/forward"
	"github.com/liamcoop/loanbff/guard"
	"github.com/liamcoop/loanbff/installment"
	"github.com/liamcoop/loanbff/internal/config"
	"github.com/liamcoop/loanbff/internal/logger"
	"github.com/liamcoop/loanbff/internal/metrics"
	"github.com/liamcoop/loanbff/internal/middleware"
)

// normalizedResources maps the resources served by /api/normalized to their
// backend list paths.
var normalizedResources = map[string]string{
	"transactions":  "/transactions/history",
	"loans":         "/loans/my-loans",
	"notifications": "/notifications",
}

// Server is the backend-for-frontend HTTP API.
type Server struct {
	cfg       *config.Config
	forwarder *forward.Forwarder
	guards    *guard.Manager
	audit     audit.Store
	metrics   *metrics.Metrics
	limiter   *middleware.RateLimiter
	router    *chi.Mux
}

// NewServer wires the router. A nil transport uses the instrumented default.
func NewServer(cfg *config.Config, guards *guard.Manager, store audit.Store, transport http.RoundTripper) *Server {
	if store == nil {
		store = audit.NewInMemoryStore(cfg.AuditCapacity)
	}
	if guards == nil {
		guards = guard.NewManager()
	}

	s := &Server{
		cfg: cfg,
		forwarder: forward.New(forward.Config{
			BaseURL:   cfg.BackendURL,
			Prefix:    cfg.APIPrefix,
			Timeout:   cfg.UpstreamTimeout,
			Transport: transport,
		}),
		guards:  guards,
		audit:   store,
		metrics: metrics.New(),
		limiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		router:  chi.NewRouter(),
	}
	s.limiter.OnLimited = func(*http.Request) { s.metrics.RecordRateLimited() }

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging)
	r.Use(s.metrics.Middleware)
	r.Use(chimw.Recoverer)
	r.Use(middleware.NewCORS(s.cfg.CORSAllowedOrigins).Handler)
	r.Use(chimw.Timeout(s.cfg.RequestTimeout))

	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	if s.cfg.AdminEnabled() {
		r.Route("/internal", func(r chi.Router) {
			r.Use(s.limiter.Handler)
			r.Use(middleware.AdminToken(s.cfg.AdminToken))

			r.Get("/audit", s.handleAuditLog)

			r.Route("/guards", func(r chi.Router) {
				r.Get("/", s.handleListGuards)
				r.Post("/reload", s.handleReloadGuards)

				r.Route("/{endpoint}", func(r chi.Router) {
					r.Get("/", s.handleGetGuard)
					r.Put("/", s.handlePutGuard)
					r.Delete("/", s.handleDeleteGuard)
					r.Post("/rules", s.handleCreateGuardRule)
					r.Get("/rules/{ruleId}", s.handleGetGuardRule)
					r.Put("/rules/{ruleId}", s.handleUpdateGuardRule)
					r.Delete("/rules/{ruleId}", s.handleDeleteGuardRule)
				})
			})
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Handler)

			r.Get("/client-config", s.handleClientConfig)
			r.Get("/normalized/{resource}", s.handleNormalized)

			// Auth
			r.Post("/auth/login", s.forwardTo(http.MethodPost, "/auth/login", true))
			r.Get("/auth/profile", s.forwardTo(http.MethodGet, "/auth/profile", false))

			// Loans
			r.Post("/loans", s.forwardGuarded(http.MethodPost, "/loans", guard.EndpointLoanCreate))
			r.Get("/loans/preview", s.handleLoanPreview)
			r.Get("/loans/first-loan", s.forwardTo(http.MethodGet, "/loans/first-loan", false))
			r.Get("/loans/{id}", s.forwardWithID(http.MethodGet, "/loans/%s", false))
			r.Patch("/loans/{id}/approved", s.forwardWithID(http.MethodPatch, "/loans/%s/approve", false))
			r.Patch("/loans/{id}/complete", s.forwardWithID(http.MethodPatch, "/loans/%s/complete", false))
			r.Get("/my-loans", s.forwardTo(http.MethodGet, "/loans/my-loans", false))

			// Admin
			r.Get("/admin/loans", s.forwardTo(http.MethodGet, "/loans", false))
			r.Patch("/admin/loans", s.handleAdminLoanUpdate)
			r.Get("/admin/users", s.forwardTo(http.MethodGet, "/users", false))
			r.Delete("/admin/users", s.handleAdminUserDelete)

			// Transactions
			r.Post("/transactions/withdraw", s.handleWithdraw)
			r.Post("/transactions/withdraw/{userId}", s.handleWithdrawForUser)
			r.Get("/transactions/history", s.forwardWithQuery(http.MethodGet, "/transactions/history"))
			r.Get("/transactions/history/{userId}", s.handleHistoryForUser)
			r.Get("/transactions/{id}", s.forwardWithID(http.MethodGet, "/transactions/%s", false))
			r.Post("/transactions/{id}", s.handleTransactionPost)

			r.Get("/v1/transactions/admin/pending-withdrawals",
				s.forwardWithQuery(http.MethodGet, "/transactions/admin/pending-withdrawals"))
			r.Post("/v1/transactions/admin/withdraw/{id}/approve",
				s.forwardWithID(http.MethodPost, "/transactions/admin/withdraw/%s/approve", true))
			r.Post("/v1/transactions/admin/withdraw/{id}/reject",
				s.forwardWithID(http.MethodPost, "/transactions/admin/withdraw/%s/reject", true))

			// Wallet
			r.Patch("/wallet/add-balance", s.forwardGuarded(http.MethodPatch, "/wallet/add-balance", guard.EndpointAddBalance))

			// Notifications
			r.Get("/notifications", s.forwardTo(http.MethodGet, "/notifications", false))
			r.Get("/notifications/unread-count", s.forwardTo(http.MethodGet, "/notifications/unread-count", false))
			r.Patch("/notifications/mark-all-read", s.forwardTo(http.MethodPatch, "/notifications/mark-all-read", false))
			r.Get("/notifications/{id}", s.forwardWithID(http.MethodGet, "/notifications/%s", false))
			r.Delete("/notifications/{id}", s.forwardWithID(http.MethodDelete, "/notifications/%s", false))
			r.Patch("/notifications/{id}/read", s.forwardWithID(http.MethodPatch, "/notifications/%s/read", false))

			// Upload signature
			r.Get("/signature", s.forwardTo(http.MethodPost, "/cloudinary/signature", false))
			r.Post("/signature", s.forwardTo(http.MethodPost, "/cloudinary/signature", true))
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the audit store when it holds a connection.
func (s *Server) Close() error {
	if c, ok := s.audit.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Forwarding handlers

func (s *Server) forwardTo(method, backendPath string, includeBody bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.proxy(w, r, backendPath, forward.Options{Method: method, IncludeBody: includeBody})
	}
}

func (s *Server) forwardWithQuery(method, backendPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.proxy(w, r, withQuery(backendPath, r), forward.Options{Method: method})
	}
}

// forwardWithID substitutes the escaped {id} parameter into pathFormat.
func (s *Server) forwardWithID(method, pathFormat string, includeBody bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathParam(w, r, "id", "Missing id")
		if !ok {
			return
		}
		s.proxy(w, r, fmt.Sprintf(pathFormat, id), forward.Options{Method: method, IncludeBody: includeBody})
	}
}

// forwardGuarded checks the body against the named guard before forwarding it.
func (s *Server) forwardGuarded(method, backendPath, guardName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := forward.CaptureBody(r)
		if err != nil {
			s.respondForwardError(w, r, backendPath, err, time.Now())
			return
		}
		if !s.checkGuard(w, r, guardName, body, backendPath) {
			return
		}
		s.proxy(w, r, backendPath, forward.Options{Method: method, IncludeBody: true, Body: body})
	}
}

func (s *Server) handleAdminLoanUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := forward.CaptureBody(r)
	if err != nil {
		s.respondForwardError(w, r, "/loans", err, time.Now())
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		var patch adminLoanPatch
		if json.Unmarshal(body, &patch) == nil {
			id = idString(patch.ID)
		}
	}
	if id == "" {
		respondMessage(w, http.StatusBadRequest, "Missing id")
		return
	}

	s.proxy(w, r, "/loans/"+url.PathEscape(id), forward.Options{
		Method:      http.MethodPatch,
		IncludeBody: true,
		Body:        body,
	})
}

func (s *Server) handleAdminUserDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		respondMessage(w, http.StatusBadRequest, "Missing id")
		return
	}
	s.proxy(w, r, "/users/"+url.PathEscape(id), forward.Options{Method: http.MethodDelete})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.withdraw(w, r, "/transactions/withdraw")
}

func (s *Server) handleWithdrawForUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathParam(w, r, "userId", "Missing userId")
	if !ok {
		return
	}
	s.withdraw(w, r, "/transactions/withdraw/"+userID)
}

// withdraw normalizes the amount locally. Invalid amounts are never forwarded.
func (s *Server) withdraw(w http.ResponseWriter, r *http.Request, backendPath string) {
	start := time.Now()

	raw, err := forward.CaptureBody(r)
	if err != nil {
		s.respondForwardError(w, r, backendPath, err, start)
		return
	}

	body, amount, err := forward.NormalizeWithdrawal(raw)
	if err != nil {
		s.record(r, backendPath, http.StatusBadRequest, audit.OutcomeRejected, start)
		if errors.Is(err, forward.ErrMissingBody) {
			respondMessage(w, http.StatusBadRequest, "Missing body")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid withdrawal amount", err)
		return
	}

	if !s.checkGuard(w, r, guard.EndpointWithdraw, body, backendPath) {
		return
	}

	logger.Debug("forwarding withdrawal",
		"amount", amount,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	s.proxy(w, r, backendPath, forward.Options{
		Method:      http.MethodPost,
		IncludeBody: true,
		Body:        body,
		ContentType: forward.DefaultContentType,
	})
}

func (s *Server) handleHistoryForUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := pathParam(w, r, "userId", "Missing userId"); !ok {
		return
	}
	s.proxy(w, r, withQuery("/transactions/history", r), forward.Options{Method: http.MethodGet})
}

// handleTransactionPost serves POST /api/transactions/{id}. The router matches
// the static /transactions/withdraw route first, so every id reaching here is
// refused.
func (s *Server) handleTransactionPost(w http.ResponseWriter, r *http.Request) {
	if _, ok := pathParam(w, r, "id", "Missing id"); !ok {
		return
	}
	respondMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// proxy forwards r and relays the backend response verbatim.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, backendPath string, opts forward.Options) {
	start := time.Now()

	resp, err := s.forwarder.Forward(r, backendPath, opts)
	if err != nil {
		s.respondForwardError(w, r, backendPath, err, start)
		return
	}

	s.relay(w, r, resp, backendPath)
	s.record(r, backendPath, resp.Status, audit.OutcomeRelayed, start)
}

// relay copies the backend response to the client. A failure here means the
// client went away mid-write, so it is only logged.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, resp *forward.Response, backendPath string) {
	if err := forward.Relay(w, resp); err != nil {
		logger.Warn("failed to relay backend response",
			"error", err,
			"backend_path", backendPath,
			"request_id", middleware.GetRequestID(r.Context()),
		)
	}
}

func (s *Server) respondForwardError(w http.ResponseWriter, r *http.Request, backendPath string, err error, start time.Time) {
	status := forward.StatusFor(err)
	requestID := middleware.GetRequestID(r.Context())
	outcome := audit.OutcomeUpstreamError
	message := "failed to forward request"
	details := err

	var upstream *forward.UpstreamError
	switch {
	case forward.IsConfigError(err):
		outcome = audit.OutcomeConfigError
		message = "backend URL is not configured"
		logger.Error("backend URL is not configured", "error", err, "request_id", requestID)
	case errors.Is(err, forward.ErrBodyTooLarge):
		outcome = audit.OutcomeRejected
		message = "request body too large"
	case errors.As(err, &upstream):
		logger.UpstreamFailures.Add(1)
		message = "backend unavailable"
		// The backend address stays in the logs only.
		details = errors.New("upstream request failed")
		if errors.Is(err, context.Canceled) {
			details = context.Canceled
		}
		logger.Error("upstream request failed",
			"error", err,
			"backend_path", backendPath,
			"request_id", requestID,
		)
	default:
		logger.Error("failed to forward request",
			"error", err,
			"backend_path", backendPath,
			"request_id", requestID,
		)
	}

	s.record(r, backendPath, status, outcome, start)
	respondError(w, status, message, details)
}

// checkGuard runs the named guard and writes a 400 when the body is rejected.
func (s *Server) checkGuard(w http.ResponseWriter, r *http.Request, name string, body []byte, backendPath string) bool {
	err := s.guards.Check(name, body)
	if err == nil {
		return true
	}

	requestID := middleware.GetRequestID(r.Context())
	var rejected *guard.RejectedError
	if !errors.As(err, &rejected) {
		logger.Error("guard evaluation failed", "endpoint", name, "error", err, "request_id", requestID)
		respondError(w, http.StatusInternalServerError, "guard evaluation failed", err)
		return false
	}

	logger.GuardRejections.Add(1)
	s.metrics.RecordGuardRejection(name)
	s.record(r, backendPath, http.StatusBadRequest, audit.OutcomeRejected, time.Now())
	logger.Info("request rejected by guard",
		"endpoint", name,
		"violations", rejected.Messages(),
		"request_id", requestID,
	)

	respondJSON(w, http.StatusBadRequest, GuardRejectedResponse{
		Error:      "request rejected",
		Details:    rejected.Error(),
		Violations: rejected.Messages(),
	})
	return false
}

// record appends an audit entry and updates the upstream metrics. Entries never
// carry cookies, credentials, bodies or query strings.
func (s *Server) record(r *http.Request, backendPath string, status int, outcome audit.Outcome, start time.Time) {
	route := metrics.RoutePattern(r)
	elapsed := time.Since(start)
	s.metrics.RecordUpstream(route, string(outcome), elapsed)

	path, _, _ := strings.Cut(backendPath, "?")
	entry := &audit.Entry{
		RequestID:   middleware.GetRequestID(r.Context()),
		Route:       route,
		Method:      r.Method,
		BackendPath: path,
		Status:      status,
		Outcome:     outcome,
		DurationMS:  elapsed.Milliseconds(),
	}
	if err := s.audit.Record(context.WithoutCancel(r.Context()), entry); err != nil {
		logger.Warn("failed to record audit entry", "error", err, "request_id", entry.RequestID)
	}
}

// Local handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	guarded := s.guards.Endpoints()
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:            "ok",
		BackendConfigured: s.cfg.BackendURL != "",
		GuardedEndpoints:  guarded,
		Time:              time.Now().UTC(),
	})
}

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	apiBase, err := forward.PublicURL(s.cfg.PublicBackendURL, s.cfg.APIPrefix, "/")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "public backend URL is not configured", err)
		return
	}
	apiBase = strings.TrimSuffix(apiBase, "/")
	base := strings.TrimSuffix(strings.TrimSpace(s.cfg.PublicBackendURL), "/")

	respondJSON(w, http.StatusOK, ClientConfigResponse{
		BackendURL: base,
		APIPrefix:  strings.TrimPrefix(apiBase, base),
		APIBaseURL: apiBase,
	})
}

func (s *Server) handleLoanPreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var in installment.Input
	var err error
	if in.Principal, err = strconv.ParseFloat(q.Get("principal"), 64); err != nil {
		respondError(w, http.StatusBadRequest, "invalid principal", err)
		return
	}
	if in.TermMonths, err = strconv.Atoi(q.Get("termMonths")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid termMonths", err)
		return
	}
	if rate := q.Get("monthlyRatePercent"); rate != "" {
		if in.MonthlyRatePercent, err = strconv.ParseFloat(rate, 64); err != nil {
			respondError(w, http.StatusBadRequest, "invalid monthlyRatePercent", err)
			return
		}
	}

	schedule, err := installment.Preview(in)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid loan parameters", err)
		return
	}

	respondJSON(w, http.StatusOK, LoanPreviewResponse{
		Schedule:              schedule,
		InstallmentDisplay:    installment.FormatCurrency(schedule.Installment),
		TotalRepaymentDisplay: installment.FormatCurrency(schedule.TotalRepayment),
		TotalInterestDisplay:  installment.FormatCurrency(schedule.TotalInterest),
	})
}

// handleNormalized forwards a list request and reshapes a 2xx JSON answer into
// {items, total?, hasMore?}. Anything else is relayed verbatim.
func (s *Server) handleNormalized(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	backendPath, ok := normalizedResources[resource]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown resource", fmt.Errorf("resource %q is not supported", resource))
		return
	}
	backendPath = withQuery(backendPath, r)
	start := time.Now()

	resp, err := s.forwarder.Forward(r, backendPath, forward.Options{Method: http.MethodGet})
	if err != nil {
		s.respondForwardError(w, r, backendPath, err, start)
		return
	}
	defer s.record(r, backendPath, resp.Status, audit.OutcomeRelayed, start)

	if resp.Status < 200 || resp.Status > 299 || !isPlainJSON(resp.Header) {
		s.relay(w, r, resp, backendPath)
		return
	}

	page, err := envelope.Normalize(resp.Body, resource)
	if err != nil {
		logger.Warn("backend list is not valid JSON, relaying verbatim",
			"resource", resource,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		s.relay(w, r, resp, backendPath)
		return
	}

	for _, c := range resp.Header.Values("Set-Cookie") {
		w.Header().Add("Set-Cookie", c)
	}
	respondJSON(w, resp.Status, page)
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := audit.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		logger.Error("failed to read audit log", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read audit log", err)
		return
	}
	respondJSON(w, http.StatusOK, AuditLogResponse{Entries: entries, Count: len(entries)})
}

// Helpers

// pathParam returns the path-escaped URL parameter, writing a 400 with
// missingMessage when it is empty.
func pathParam(w http.ResponseWriter, r *http.Request, name, missingMessage string) (string, bool) {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		raw = v
	}
	if strings.TrimSpace(raw) == "" {
		respondMessage(w, http.StatusBadRequest, missingMessage)
		return "", false
	}
	return url.PathEscape(raw), true
}

func withQuery(path string, r *http.Request) string {
	if r.URL.RawQuery == "" {
		return path
	}
	return path + "?" + r.URL.RawQuery
}

func isPlainJSON(h http.Header) bool {
	if h.Get("Content-Encoding") != "" {
		return false
	}
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "json")
}

// idString renders a JSON id value, which the backend accepts as string or number.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, MessageResponse{Message: message})
}
