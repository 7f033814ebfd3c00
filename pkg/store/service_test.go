package store

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/audit"
	"github.com/gcz-labs/gatekeeper/pkg/contracts"
)

type fakeNotifier struct {
	mu        sync.Mutex
	notified  []int64
	confirmed []string
	failNext  bool
}

func (f *fakeNotifier) Notify(ctx context.Context, req *contracts.ChangeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return contracts.ErrChannelDelivery
	}
	f.notified = append(f.notified, req.ID)
	return nil
}

func (f *fakeNotifier) Confirm(ctx context.Context, req *contracts.ChangeRequest, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, message)
	return nil
}

type fakeHook struct {
	mu        sync.Mutex
	approved  []int64
	rollbacks []int64
}

func (f *fakeHook) OnApproved(req *contracts.ChangeRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, req.ID)
}

func (f *fakeHook) OnRollbackRequested(req *contracts.ChangeRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, req.ID)
}

type fakeMetrics struct {
	mu        sync.Mutex
	decisions []string
}

func (m *fakeMetrics) RecordDecision(ctx context.Context, decision string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decision)
}

type fixture struct {
	service  *Service
	store    *MemoryStore
	ledger   *audit.ChainLedger
	notifier *fakeNotifier
	hook     *fakeHook
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		notifier: &fakeNotifier{},
		hook:     &fakeHook{},
		now:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	f.ledger = audit.NewLedgerWithWriter(&bytes.Buffer{}).WithClock(func() time.Time { return f.now })
	f.service = NewService(f.store, f.ledger, f.notifier, f.hook, DefaultTTL, nil).
		WithClock(func() time.Time { return f.now })
	return f
}

func TestSubmitPersistsPending(t *testing.T) {
	f := newFixture(t)

	req, err := f.service.Submit(context.Background(), "DROP TABLE users", "removes the legacy users table")
	if err != nil {
		t.Fatal(err)
	}
	if req.ID == 0 {
		t.Fatal("expected store-assigned id")
	}
	if req.Status != contracts.StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if req.RiskScore < 80 {
		t.Fatalf("expected risk score >= 80 for a drop, got %d", req.RiskScore)
	}
	if !req.ExpiresAt.Equal(f.now.Add(DefaultTTL)) {
		t.Fatalf("unexpected expiry %v", req.ExpiresAt)
	}
	if len(f.notifier.notified) != 1 || f.notifier.notified[0] != req.ID {
		t.Fatal("expected a single notification for the new request")
	}
	if events := f.ledger.Query(audit.QueryFilter{Type: audit.EventSubmitted}); len(events) != 1 {
		t.Fatalf("expected 1 submitted event, got %d", len(events))
	}
}

func TestSubmitRejectsEmptyPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Submit(context.Background(), "   ", "")
	if !errors.Is(err, contracts.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if f.ledger.Size() != 0 {
		t.Fatal("nothing should be audited for a rejected submission")
	}
}

func TestSubmitSurvivesNotificationFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.failNext = true

	req, err := f.service.Submit(context.Background(), "DROP TABLE users", "")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != contracts.StatusPending {
		t.Fatalf("expected pending despite delivery failure, got %s", req.Status)
	}
	if events := f.ledger.Query(audit.QueryFilter{Type: audit.EventChannelFailure}); len(events) != 1 {
		t.Fatal("expected the delivery failure to be audited")
	}
}

func TestDecideApproveSignalsRollout(t *testing.T) {
	f := newFixture(t)
	req, _ := f.service.Submit(context.Background(), "ALTER TABLE users ADD COLUMN tier TEXT", "")

	updated, err := f.service.Decide(context.Background(), req.ID, contracts.DecisionApprove)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != contracts.StatusApproved {
		t.Fatalf("expected approved, got %s", updated.Status)
	}
	if len(f.hook.approved) != 1 || f.hook.approved[0] != req.ID {
		t.Fatal("expected the orchestrator hook to fire once")
	}
	if len(f.notifier.confirmed) != 1 {
		t.Fatalf("expected 1 confirmation, got %d", len(f.notifier.confirmed))
	}
}

func TestDecideIsIdempotentAfterTerminalStatus(t *testing.T) {
	f := newFixture(t)
	req, _ := f.service.Submit(context.Background(), "DROP TABLE users", "")

	denied, err := f.service.Decide(context.Background(), req.ID, contracts.DecisionDeny)
	if err != nil {
		t.Fatal(err)
	}
	if denied.Status != contracts.StatusDenied {
		t.Fatalf("expected denied, got %s", denied.Status)
	}
	eventsBefore := f.ledger.Size()

	// Redelivered approval must be a no-op: unchanged record, no new
	// audit event, no rollout signal.
	again, err := f.service.Decide(context.Background(), req.ID, contracts.DecisionApprove)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != contracts.StatusDenied {
		t.Fatalf("terminal status must not move, got %s", again.Status)
	}
	if f.ledger.Size() != eventsBefore {
		t.Fatal("stale decision must append no audit event")
	}
	if len(f.hook.approved) != 0 {
		t.Fatal("stale approval must not trigger a rollout")
	}
}

func TestDecideUnknownID(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Decide(context.Background(), 12345, contracts.DecisionApprove)
	if !errors.Is(err, contracts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecideForcesExpiryPastTTL(t *testing.T) {
	f := newFixture(t)
	req, _ := f.service.Submit(context.Background(), "DROP TABLE users", "")

	f.now = f.now.Add(DefaultTTL + time.Minute)

	updated, err := f.service.Decide(context.Background(), req.ID, contracts.DecisionApprove)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != contracts.StatusExpired {
		t.Fatalf("expected expired regardless of the decision, got %s", updated.Status)
	}
	if len(f.hook.approved) != 0 {
		t.Fatal("an expired request must never start a rollout")
	}
	if events := f.ledger.Query(audit.QueryFilter{Type: audit.EventExpired}); len(events) != 1 {
		t.Fatal("expected the expiry to be audited")
	}
}

func TestConcurrentDecisionsSingleWinner(t *testing.T) {
	f := newFixture(t)
	req, _ := f.service.Submit(context.Background(), "DROP TABLE users", "")

	var wg sync.WaitGroup
	decisions := []contracts.Decision{contracts.DecisionApprove, contracts.DecisionDeny}
	for _, d := range decisions {
		wg.Add(1)
		go func(d contracts.Decision) {
			defer wg.Done()
			_, _ = f.service.Decide(context.Background(), req.ID, d)
		}(d)
	}
	wg.Wait()

	final, err := f.store.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != contracts.StatusApproved && final.Status != contracts.StatusDenied {
		t.Fatalf("expected one of approved/denied, got %s", final.Status)
	}
	if events := f.ledger.Query(audit.QueryFilter{Type: audit.EventDecision}); len(events) != 1 {
		t.Fatalf("exactly one decision must be recorded, got %d", len(events))
	}
}

func TestRollbackDecisionOnDeployedRequest(t *testing.T) {
	f := newFixture(t)
	req, _ := f.service.Submit(context.Background(), "deploy payout handler", "")
	_, _ = f.service.Decide(context.Background(), req.ID, contracts.DecisionApprove)

	// Orchestrator finishes the rollout out of band.
	if ok, _ := f.store.Transition(context.Background(), req.ID, contracts.StatusApproved, contracts.StatusDeployed, f.now); !ok {
		t.Fatal("setup transition failed")
	}

	updated, err := f.service.Decide(context.Background(), req.ID, contracts.DecisionRollback)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != contracts.StatusRollbackRequested {
		t.Fatalf("expected rollback_requested, got %s", updated.Status)
	}
	if len(f.hook.rollbacks) != 1 {
		t.Fatal("expected the rollback hook to fire")
	}
}

func TestRollbackDecisionIgnoredOnPending(t *testing.T) {
	f := newFixture(t)
	req, _ := f.service.Submit(context.Background(), "DROP TABLE users", "")

	updated, err := f.service.Decide(context.Background(), req.ID, contracts.DecisionRollback)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != contracts.StatusPending {
		t.Fatalf("pending request must not accept a rollback, got %s", updated.Status)
	}
	if len(f.hook.rollbacks) != 0 {
		t.Fatal("rollback hook must not fire for a pending request")
	}
}

func TestExpireStaleSweep(t *testing.T) {
	f := newFixture(t)
	first, _ := f.service.Submit(context.Background(), "DROP TABLE users", "")
	_, _ = f.service.Submit(context.Background(), "create index idx on users(email)", "")

	f.now = f.now.Add(DefaultTTL + time.Second)
	third, _ := f.service.Submit(context.Background(), "insert into promos values ('x')", "")

	n, err := f.service.ExpireStale(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}

	got, _ := f.store.Get(context.Background(), first.ID)
	if got.Status != contracts.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	fresh, _ := f.store.Get(context.Background(), third.ID)
	if fresh.Status != contracts.StatusPending {
		t.Fatalf("fresh request must stay pending, got %s", fresh.Status)
	}
}

func TestDecisionMetricCountsOnlyAppliedDecisions(t *testing.T) {
	f := newFixture(t)
	metrics := &fakeMetrics{}
	f.service.WithMetrics(metrics)
	req, _ := f.service.Submit(context.Background(), "DROP TABLE users", "")

	if _, err := f.service.Decide(context.Background(), req.ID, contracts.DecisionApprove); err != nil {
		t.Fatal(err)
	}
	// A redelivered decision is a no-op and must not inflate the count.
	if _, err := f.service.Decide(context.Background(), req.ID, contracts.DecisionApprove); err != nil {
		t.Fatal(err)
	}

	if len(metrics.decisions) != 1 || metrics.decisions[0] != string(contracts.DecisionApprove) {
		t.Fatalf("expected one approve counted, got %v", metrics.decisions)
	}
}

func TestStatusTransitionsFollowStateDiagram(t *testing.T) {
	// Exhaustive check of Decision.ValidFrom against the state diagram.
	type edge struct {
		from     contracts.Status
		decision contracts.Decision
		allowed  bool
	}
	edges := []edge{
		{contracts.StatusPending, contracts.DecisionApprove, true},
		{contracts.StatusPending, contracts.DecisionDeny, true},
		{contracts.StatusPending, contracts.DecisionRollback, false},
		{contracts.StatusApproved, contracts.DecisionApprove, false},
		{contracts.StatusApproved, contracts.DecisionDeny, false},
		{contracts.StatusApproved, contracts.DecisionRollback, true},
		{contracts.StatusDenied, contracts.DecisionApprove, false},
		{contracts.StatusExpired, contracts.DecisionApprove, false},
		{contracts.StatusDeployed, contracts.DecisionRollback, true},
		{contracts.StatusDeployed, contracts.DecisionApprove, false},
		{contracts.StatusRolledBack, contracts.DecisionRollback, false},
		{contracts.StatusRollbackRequested, contracts.DecisionRollback, false},
	}
	for _, e := range edges {
		if got := e.decision.ValidFrom(e.from); got != e.allowed {
			t.Fatalf("ValidFrom(%s, %s) = %v, want %v", e.decision, e.from, got, e.allowed)
		}
	}
}
