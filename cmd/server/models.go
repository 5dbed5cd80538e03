package main

import (
	"time"

	"github.com/liamcoop/loanbff/audit"
	"github.com/liamcoop/loanbff/guard"
	"github.com/liamcoop/loanbff/installment"
)

// MessageResponse is the {"message": ...} body used for missing parameters,
// the same shape the backend uses for its own errors.
type MessageResponse struct {
	Message string `json:"message"`
}

// GuardRejectedResponse is returned when a request body fails a guard.
type GuardRejectedResponse struct {
	Error      string   `json:"error"`
	Details    string   `json:"details"`
	Violations []string `json:"violations"`
}

// HealthResponse reports liveness and whether the backend is configured.
type HealthResponse struct {
	Status            string    `json:"status"`
	BackendConfigured bool      `json:"backendConfigured"`
	GuardedEndpoints  []string  `json:"guardedEndpoints"`
	Time              time.Time `json:"time"`
}

// ClientConfigResponse carries the settings a browser client needs.
type ClientConfigResponse struct {
	BackendURL string `json:"backendUrl"`
	APIPrefix  string `json:"apiPrefix"`
	APIBaseURL string `json:"apiBaseUrl"`
}

// LoanPreviewResponse is a repayment preview with display strings.
type LoanPreviewResponse struct {
	installment.Schedule
	InstallmentDisplay    string `json:"installmentDisplay"`
	TotalRepaymentDisplay string `json:"totalRepaymentDisplay"`
	TotalInterestDisplay  string `json:"totalInterestDisplay"`
}

// AuditLogResponse lists recent forwarded requests, newest first.
type AuditLogResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// GuardRuleRequest creates or updates a guard rule. On update, empty fields
// keep their current value.
type GuardRuleRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Message    string `json:"message"`
	Active     *bool  `json:"active,omitempty"`
}

// GuardRuleResponse is a guard rule in admin responses.
type GuardRuleResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Message    string    `json:"message"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// GuardResponse describes one guarded endpoint.
type GuardResponse struct {
	Endpoint string              `json:"endpoint"`
	Fields   guard.Schema        `json:"fields"`
	Rules    []GuardRuleResponse `json:"rules"`
}

type GuardsListResponse struct {
	Guards []GuardResponse `json:"guards"`
}

type GuardReloadResponse struct {
	Endpoints []string `json:"endpoints"`
}

// adminLoanPatch is the part of the admin loan update body read locally.
type adminLoanPatch struct {
	ID any `json:"id"`
}
