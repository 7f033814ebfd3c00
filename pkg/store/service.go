package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/audit"
	"github.com/gcz-labs/gatekeeper/pkg/contracts"
	"github.com/gcz-labs/gatekeeper/pkg/risk"
)

// DefaultTTL is how long a pending request stays decidable.
const DefaultTTL = 30 * time.Minute

// Notifier dispatches approval traffic to the human channel. Both calls
// are best-effort: one attempt, failure logged, never retried.
type Notifier interface {
	// Notify renders a new request with its action affordances.
	Notify(ctx context.Context, req *contracts.ChangeRequest) error
	// Confirm reports a terminal state change back to the channel.
	Confirm(ctx context.Context, req *contracts.ChangeRequest, message string) error
}

// RolloutHook is invoked after a decision lands. OnApproved signals the
// orchestrator to begin a staged rollout; OnRollbackRequested asks it to
// revert.
type RolloutHook interface {
	OnApproved(req *contracts.ChangeRequest)
	OnRollbackRequested(req *contracts.ChangeRequest)
}

// Metrics counts applied decisions by outcome. A nil sink is valid.
type Metrics interface {
	RecordDecision(ctx context.Context, decision string)
}

// Service is the approval state machine over a Store. It owns every
// lifecycle transition a human decision can cause; the orchestrator
// writes its own terminal states (deployed / rolled_back) directly.
type Service struct {
	store    Store
	ledger   audit.Ledger
	notifier Notifier
	hook     RolloutHook
	metrics  Metrics
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewService builds the state machine. notifier and hook may be nil in
// tests; ttl <= 0 falls back to DefaultTTL.
func NewService(s Store, ledger audit.Ledger, notifier Notifier, hook RolloutHook, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		ledger:   ledger,
		notifier: notifier,
		hook:     hook,
		ttl:      ttl,
		clock:    time.Now,
		logger:   logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// Submit validates and persists a new change request, scores its risk,
// and notifies the human approval channel. The returned record carries
// the store-assigned id.
func (s *Service) Submit(ctx context.Context, payload, plan string) (*contracts.ChangeRequest, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("%w: empty payload", contracts.ErrValidation)
	}

	now := s.clock()
	req := &contracts.ChangeRequest{
		Payload:   payload,
		Plan:      plan,
		RiskScore: risk.Score(payload),
		Status:    contracts.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	created, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	s.appendEvent(audit.EventSubmitted, created.ID, map[string]any{
		"risk_score": created.RiskScore,
		"expires_at": created.ExpiresAt,
	})

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, created); err != nil {
			// Fire and forget: a lost notification does not block the
			// submission. The request is still decidable by id.
			s.logger.Warn("approval notification failed", "request_id", created.ID, "error", err)
			s.appendEvent(audit.EventChannelFailure, created.ID, map[string]any{"error": err.Error()})
		}
	}

	return created, nil
}

// Decide applies a human decision to a request. The guarantees, in
// order of evaluation:
//
//   - unknown id: returns contracts.ErrNotFound, nothing is touched;
//   - pending past its TTL: force-transitions to expired no matter what
//     the decision asked for;
//   - decision not valid for the current status: returns the current
//     record unchanged and appends no audit event (idempotency against
//     channel redelivery);
//   - otherwise: a single atomic check-and-transition applies the
//     decision's target status. The first writer wins; losers observe
//     the non-pending row and no-op.
func (s *Service) Decide(ctx context.Context, id int64, decision contracts.Decision) (*contracts.ChangeRequest, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Warn("decision on unknown request", "request_id", id, "decision", decision)
		return nil, err
	}

	now := s.clock()

	if req.Status == contracts.StatusPending && req.Expired(now) {
		return s.expire(ctx, req, now)
	}

	if !decision.ValidFrom(req.Status) {
		s.logger.Info("stale decision ignored",
			"request_id", id, "decision", decision, "status", req.Status)
		return req, nil
	}

	target := decision.TargetStatus()
	ok, err := s.store.Transition(ctx, id, req.Status, target, now)
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}
	if !ok {
		// Lost the race against a concurrent decision; surface whatever
		// state the winner left behind.
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		s.logger.Info("decision lost transition race",
			"request_id", id, "decision", decision, "status", current.Status)
		return current, nil
	}

	updated, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.appendEvent(audit.EventDecision, id, map[string]any{
		"decision": string(decision),
		"from":     string(req.Status),
		"to":       string(target),
	})
	if s.metrics != nil {
		s.metrics.RecordDecision(ctx, string(decision))
	}
	s.confirm(ctx, updated, decisionMessage(decision, id))

	if s.hook != nil {
		switch decision {
		case contracts.DecisionApprove:
			s.hook.OnApproved(updated)
		case contracts.DecisionRollback:
			s.hook.OnRollbackRequested(updated)
		}
	}

	return updated, nil
}

// ExpireStale proactively expires pending requests past their TTL.
// Purely an optimization: TTL is also enforced at decision time.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.clock()
	stale, err := s.store.ListStalePending(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range stale {
		if _, err := s.expire(ctx, req, now); err == nil {
			expired++
		}
	}
	return expired, nil
}

// Get exposes a request for the HTTP surface.
func (s *Service) Get(ctx context.Context, id int64) (*contracts.ChangeRequest, error) {
	return s.store.Get(ctx, id)
}

// RunSweep runs ExpireStale on the given interval until ctx is done.
func (s *Service) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpireStale(ctx); err != nil {
				s.logger.Warn("expiry sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expired stale requests", "count", n)
			}
		}
	}
}

func (s *Service) expire(ctx context.Context, req *contracts.ChangeRequest, now time.Time) (*contracts.ChangeRequest, error) {
	ok, err := s.store.Transition(ctx, req.ID, contracts.StatusPending, contracts.StatusExpired, now)
	if err != nil {
		return nil, fmt.Errorf("expire: %w", err)
	}
	if !ok {
		return s.store.Get(ctx, req.ID)
	}

	updated, err := s.store.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	s.appendEvent(audit.EventExpired, req.ID, map[string]any{
		"expires_at": req.ExpiresAt,
	})
	s.confirm(ctx, updated, fmt.Sprintf("⌛ Change request %d expired without a decision", req.ID))
	return updated, nil
}

func (s *Service) appendEvent(eventType audit.EventType, requestID int64, details map[string]any) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Append(eventType, requestID, details); err != nil {
		s.logger.Error("audit append failed", "event_type", eventType, "request_id", requestID, "error", err)
	}
}

func (s *Service) confirm(ctx context.Context, req *contracts.ChangeRequest, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Confirm(ctx, req, message); err != nil {
		s.logger.Warn("confirmation delivery failed", "request_id", req.ID, "error", err)
	}
}

func decisionMessage(decision contracts.Decision, id int64) string {
	switch decision {
	case contracts.DecisionApprove:
		return fmt.Sprintf("✅ Approved change request %d", id)
	case contracts.DecisionDeny:
		return fmt.Sprintf("❌ Denied change request %d", id)
	case contracts.DecisionRollback:
		return fmt.Sprintf("🔁 Rollback requested for change request %d", id)
	}
	return fmt.Sprintf("change request %d updated", id)
}
