// Package contracts defines the shared types of the change-control plane:
// the ChangeRequest lifecycle, decision actions, and canary run records.
//
// The Change Request Store owns the ChangeRequest lifecycle. The Approval
// Gateway only moves Status and UpdatedAt on existing rows; the Canary
// Orchestrator only reads approved rows and writes Executed, Status and
// timestamps.
package contracts

import "time"

// Status is the lifecycle state of a ChangeRequest.
type Status string

const (
	StatusPending           Status = "pending"
	StatusApproved          Status = "approved"
	StatusDenied            Status = "denied"
	StatusRollbackRequested Status = "rollback_requested"
	StatusExpired           Status = "expired"
	StatusDeployed          Status = "deployed"
	StatusRolledBack        Status = "rolled_back"
)

// Terminal reports whether no further decision may move the request.
// Deployed requests are terminal for approve/deny but still accept a
// rollback request (see Decision.ValidFrom).
func (s Status) Terminal() bool {
	switch s {
	case StatusDenied, StatusExpired, StatusRolledBack:
		return true
	}
	return false
}

// Decision is an action a human takes on a pending change request.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionDeny     Decision = "deny"
	DecisionRollback Decision = "rollback"
)

// ParseDecision maps a callback action keyword onto a Decision.
// Unknown keywords return false; the gateway must not guess.
func ParseDecision(s string) (Decision, bool) {
	switch Decision(s) {
	case DecisionApprove, DecisionDeny, DecisionRollback:
		return Decision(s), true
	}
	return "", false
}

// TargetStatus returns the status a decision transitions a request into.
func (d Decision) TargetStatus() Status {
	switch d {
	case DecisionApprove:
		return StatusApproved
	case DecisionDeny:
		return StatusDenied
	case DecisionRollback:
		return StatusRollbackRequested
	}
	return ""
}

// ValidFrom reports whether the decision may be applied to a request
// currently in the given status. Approve and deny only ever leave
// pending; a rollback request is additionally honoured on approved and
// deployed requests so a bad rollout can be reversed after the fact.
func (d Decision) ValidFrom(s Status) bool {
	switch d {
	case DecisionApprove, DecisionDeny:
		return s == StatusPending
	case DecisionRollback:
		return s == StatusApproved || s == StatusDeployed
	}
	return false
}

// ChangeRequest is a proposed risky operation awaiting human judgment.
type ChangeRequest struct {
	ID        int64     `json:"id"`
	Payload   string    `json:"payload"`
	Plan      string    `json:"plan,omitempty"`
	RiskScore int       `json:"risk_score"`
	Status    Status    `json:"status"`
	Executed  bool      `json:"executed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the request's TTL has elapsed at now.
func (r *ChangeRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// CanaryRun is the ephemeral record of one staged rollout. It is never
// persisted beyond the audit ledger.
type CanaryRun struct {
	RunID     string        `json:"run_id"`
	RequestID int64         `json:"request_id"`
	Target    string        `json:"target"`
	Stages    []int         `json:"stages"`
	Stage     int           `json:"stage"`
	Probes    []ProbeResult `json:"probes,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// ProbeResult is the outcome of a single health probe within a stage.
type ProbeResult struct {
	Stage   int       `json:"stage"`
	Attempt int       `json:"attempt"`
	Healthy bool      `json:"healthy"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// ConfigSnapshot is the result of loading a tracked configuration
// artifact through the drift detector.
type ConfigSnapshot struct {
	ContentHash  string `json:"content_hash"`
	FrozenHash   string `json:"frozen_hash"`
	AnomalyScore int    `json:"anomaly_score"`
	RecordCount  int    `json:"record_count"`
}
