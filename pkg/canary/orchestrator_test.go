package canary

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/audit"
	"github.com/gcz-labs/gatekeeper/pkg/contracts"
	"github.com/gcz-labs/gatekeeper/pkg/freeze"
	"github.com/gcz-labs/gatekeeper/pkg/store"
)

// journal records the order of side effects across fakes, so tests can
// assert sequencing (executed flag before any restart, etc).
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type journalStore struct {
	store.Store
	j *journal
	// denyPark makes every transition into rolled_back lose, as a
	// concurrent writer would cause.
	denyPark bool
}

func (s *journalStore) MarkExecuted(ctx context.Context, id int64, now time.Time) error {
	s.j.add("mark_executed")
	return s.Store.MarkExecuted(ctx, id, now)
}

func (s *journalStore) Transition(ctx context.Context, id int64, from, to contracts.Status, now time.Time) (bool, error) {
	if s.denyPark && to == contracts.StatusRolledBack {
		return false, nil
	}
	return s.Store.Transition(ctx, id, from, to, now)
}

type fakeSupervisor struct {
	j    *journal
	fail bool
}

func (s *fakeSupervisor) Restart(ctx context.Context, services []string) error {
	s.j.add("restart")
	if s.fail {
		return errors.New("pm2 unavailable")
	}
	return nil
}

type fakeReverter struct {
	j    *journal
	fail bool
}

func (r *fakeReverter) Revert(ctx context.Context) error {
	r.j.add("revert")
	if r.fail {
		return errors.New("git reset failed")
	}
	return nil
}

// scriptedProber fails on the listed probe indices (counted globally).
type scriptedProber struct {
	j       *journal
	calls   int
	failOn  map[int]bool
	failAll bool
}

func (p *scriptedProber) Probe(ctx context.Context) error {
	p.calls++
	p.j.add("probe")
	if p.failAll || p.failOn[p.calls] {
		return contracts.ErrHealthCheck
	}
	return nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	rollouts  []string
	rollbacks []string
}

func (m *fakeMetrics) RecordRollout(ctx context.Context, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollouts = append(m.rollouts, target)
}

func (m *fakeMetrics) RecordRollback(ctx context.Context, trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks = append(m.rollbacks, trigger)
}

type harness struct {
	orch       *Orchestrator
	store      *journalStore
	ledger     *audit.ChainLedger
	freezer    *freeze.Controller
	supervisor *fakeSupervisor
	reverter   *fakeReverter
	prober     *scriptedProber
	metrics    *fakeMetrics
	journal    *journal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		journal:    j,
		store:      &journalStore{Store: store.NewMemoryStore(), j: j},
		ledger:     audit.NewLedgerWithWriter(&bytes.Buffer{}),
		freezer:    freeze.NewController(),
		supervisor: &fakeSupervisor{j: j},
		reverter:   &fakeReverter{j: j},
		prober:     &scriptedProber{j: j, failOn: map[int]bool{}},
		metrics:    &fakeMetrics{},
	}
	cfg := Config{
		Target:        "sandbox",
		Stages:        []int{10, 50, 100},
		Services:      []string{"api", "bot"},
		ProbeCount:    2,
		ProbeInterval: 0,
	}
	h.orch = New(cfg, h.store, h.ledger, h.freezer, h.supervisor, h.reverter, h.prober, nil, nil, nil).
		WithMetrics(h.metrics)
	return h
}

// seedReleases gives the orchestrator a release history starting from
// the given deployed version, rolling out the given new version.
func (h *harness) seedReleases(t *testing.T, deployed, incoming string) {
	t.Helper()
	history, err := NewReleaseHistory(deployed)
	if err != nil {
		t.Fatal(err)
	}
	h.orch.releases = history
	h.orch.cfg.Version = incoming
}

func (h *harness) approvedRequest(t *testing.T) *contracts.ChangeRequest {
	t.Helper()
	now := time.Now()
	req, err := h.store.Create(context.Background(), &contracts.ChangeRequest{
		Payload:   "deploy payout handler",
		Status:    contracts.StatusApproved,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestHealthyRolloutDeploys(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)

	if err := h.orch.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	final, _ := h.store.Get(context.Background(), req.ID)
	if final.Status != contracts.StatusDeployed {
		t.Fatalf("expected deployed, got %s", final.Status)
	}
	if !final.Executed {
		t.Fatal("executed flag must be set")
	}
	// 3 stages x (restart + 2 probes).
	if got := len(h.prober.j.list()); got == 0 {
		t.Fatal("expected side effects recorded")
	}
	if events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRolloutSuccess}); len(events) != 1 {
		t.Fatal("expected a success audit event")
	}
	if events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRolloutStage}); len(events) != 3 {
		t.Fatalf("expected 3 stage events, got %d", len(events))
	}
}

func TestExecutedFlagSetBeforeSideEffects(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)

	if err := h.orch.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	entries := h.journal.list()
	for _, e := range entries {
		if e == "mark_executed" {
			return // found before any restart/probe below would trip
		}
		if e == "restart" || e == "probe" || e == "revert" {
			t.Fatalf("side effect %q before executed flag; order: %v", e, entries)
		}
	}
	t.Fatal("executed flag never set")
}

func TestFailingProbeRollsBack(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)
	// Fail during the second stage.
	h.prober.failOn[3] = true

	err := h.orch.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected the run to report the failed probe")
	}

	final, _ := h.store.Get(context.Background(), req.ID)
	if final.Status != contracts.StatusRolledBack {
		t.Fatalf("expected rolled_back, never deployed; got %s", final.Status)
	}

	entries := h.journal.list()
	reverted := false
	for _, e := range entries {
		if e == "revert" {
			reverted = true
		}
	}
	if !reverted {
		t.Fatal("expected a revert")
	}
	if events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRollback}); len(events) != 1 {
		t.Fatal("expected a rollback audit event with the failure reason")
	}
	if events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRolloutSuccess}); len(events) != 0 {
		t.Fatal("a failed rollout must never record success")
	}
}

func TestSupervisorFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)
	h.supervisor.fail = true

	// The restart also fails during rollback; that is the fatal path.
	err := h.orch.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestFreezeRefusesRollout(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)
	h.freezer.SetFreeze(true)

	err := h.orch.Run(context.Background(), req)
	if !errors.Is(err, contracts.ErrRolloutFrozen) {
		t.Fatalf("expected ErrRolloutFrozen, got %v", err)
	}

	final, _ := h.store.Get(context.Background(), req.ID)
	if final.Status != contracts.StatusApproved {
		t.Fatalf("refused rollout must leave the request approved, got %s", final.Status)
	}
	if final.Executed {
		t.Fatal("refused rollout must not flag executed")
	}
	if events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRolloutRefused}); len(events) != 1 {
		t.Fatal("expected the refusal to be audited")
	}
}

func TestBypassWindowAllowsRollout(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)
	h.freezer.SetFreeze(true)
	h.freezer.GrantBypass(30 * time.Minute)

	if err := h.orch.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	final, _ := h.store.Get(context.Background(), req.ID)
	if final.Status != contracts.StatusDeployed {
		t.Fatalf("expected deployed during bypass, got %s", final.Status)
	}
}

func TestAlreadyExecutedRequestIsNotReplayed(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)
	_ = h.store.MarkExecuted(context.Background(), req.ID, time.Now())
	before := len(h.journal.list())

	if err := h.orch.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	after := h.journal.list()
	for _, e := range after[before:] {
		if e == "restart" || e == "probe" {
			t.Fatal("an executed request must never be rolled out twice")
		}
	}
}

func TestRequestedRollbackOnExecutedRequest(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)
	if err := h.orch.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, _ = h.store.Transition(context.Background(), req.ID, contracts.StatusDeployed, contracts.StatusRollbackRequested, time.Now())

	current, _ := h.store.Get(context.Background(), req.ID)
	if err := h.orch.ExecuteRollback(context.Background(), current); err != nil {
		t.Fatal(err)
	}

	final, _ := h.store.Get(context.Background(), req.ID)
	if final.Status != contracts.StatusRolledBack {
		t.Fatalf("expected rolled_back, got %s", final.Status)
	}
	reverted := false
	for _, e := range h.journal.list() {
		if e == "revert" {
			reverted = true
		}
	}
	if !reverted {
		t.Fatal("a rollback of an executed change must revert the target")
	}
}

func TestRequestedRollbackBeforeExecutionSkipsRevert(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)
	_, _ = h.store.Transition(context.Background(), req.ID, contracts.StatusApproved, contracts.StatusRollbackRequested, time.Now())

	current, _ := h.store.Get(context.Background(), req.ID)
	if err := h.orch.ExecuteRollback(context.Background(), current); err != nil {
		t.Fatal(err)
	}

	for _, e := range h.journal.list() {
		if e == "revert" {
			t.Fatal("nothing was deployed, nothing to revert")
		}
	}
	final, _ := h.store.Get(context.Background(), req.ID)
	if final.Status != contracts.StatusRolledBack {
		t.Fatalf("expected rolled_back, got %s", final.Status)
	}
}

func TestRescanResumesApprovedUnexecuted(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)

	if err := h.orch.Rescan(context.Background()); err != nil {
		t.Fatal(err)
	}
	final, _ := h.store.Get(context.Background(), req.ID)
	if final.Status != contracts.StatusDeployed {
		t.Fatalf("rescan should have rolled out request %d, got %s", req.ID, final.Status)
	}
}

func TestSuccessfulRolloutRecordsVersion(t *testing.T) {
	h := newHarness(t)
	h.seedReleases(t, "1.4.0", "1.5.0")
	req := h.approvedRequest(t)

	if err := h.orch.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if got := h.orch.releases.Current(); got != "1.5.0" {
		t.Fatalf("release history should hold the deployed version, got %q", got)
	}
	events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRolloutSuccess})
	if len(events) != 1 || events[0].Details["version"] != "1.5.0" {
		t.Fatalf("success event should carry the version, got %+v", events)
	}
	if got := h.metrics.rollouts; len(got) != 1 || got[0] != "sandbox" {
		t.Fatalf("expected one rollout counted for sandbox, got %v", got)
	}
}

func TestRequestedRollbackNamesPreviousVersion(t *testing.T) {
	h := newHarness(t)
	h.seedReleases(t, "1.4.0", "1.5.0")
	req := h.approvedRequest(t)
	if err := h.orch.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, _ = h.store.Transition(context.Background(), req.ID, contracts.StatusDeployed, contracts.StatusRollbackRequested, time.Now())

	current, _ := h.store.Get(context.Background(), req.ID)
	if err := h.orch.ExecuteRollback(context.Background(), current); err != nil {
		t.Fatal(err)
	}

	events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRollback})
	if len(events) != 1 || events[0].Details["reverted_to"] != "1.4.0" {
		t.Fatalf("rollback event should name the restored version, got %+v", events)
	}
	if got := h.orch.releases.Current(); got != "1.4.0" {
		t.Fatalf("history should trim back to 1.4.0, got %q", got)
	}
	if got := h.metrics.rollbacks; len(got) != 1 || got[0] != "requested" {
		t.Fatalf("expected one requested rollback counted, got %v", got)
	}
}

func TestRequestedRollbackNamesSeedWhenVersionUnknown(t *testing.T) {
	h := newHarness(t)
	// Only the currently deployed version is known; the plan carries no
	// version for the incoming release.
	h.seedReleases(t, "1.4.0", "")
	req := h.approvedRequest(t)
	if err := h.orch.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, _ = h.store.Transition(context.Background(), req.ID, contracts.StatusDeployed, contracts.StatusRollbackRequested, time.Now())

	current, _ := h.store.Get(context.Background(), req.ID)
	if err := h.orch.ExecuteRollback(context.Background(), current); err != nil {
		t.Fatal(err)
	}

	events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRollback})
	if len(events) != 1 || events[0].Details["reverted_to"] != "1.4.0" {
		t.Fatalf("the revert lands on the newest known version, got %+v", events)
	}
	if got := h.orch.releases.Current(); got != "1.4.0" {
		t.Fatalf("a seed-only history must not be trimmed, got %q", got)
	}
}

func TestAbortedRolloutNamesKnownGoodVersion(t *testing.T) {
	h := newHarness(t)
	h.seedReleases(t, "1.4.0", "1.5.0")
	req := h.approvedRequest(t)
	h.prober.failOn[3] = true

	if err := h.orch.Run(context.Background(), req); err == nil {
		t.Fatal("expected the run to report the failed probe")
	}

	events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRollback})
	if len(events) != 1 || events[0].Details["reverted_to"] != "1.4.0" {
		t.Fatalf("aborted rollout should name the restored version, got %+v", events)
	}
	// 1.5.0 never reached the history; nothing to trim.
	if got := h.orch.releases.Current(); got != "1.4.0" {
		t.Fatalf("history must still hold 1.4.0, got %q", got)
	}
	if got := h.metrics.rollbacks; len(got) != 1 || got[0] != "probe_failure" {
		t.Fatalf("expected one probe_failure rollback counted, got %v", got)
	}
}

func TestFreezeSetWhileQueuedIsHonored(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)

	// Hold the target lock as a long-running rollout would.
	lock := h.orch.targetLock("sandbox")
	lock.Lock()

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), req) }()

	// Let the run pass the early check and queue behind the lock, then
	// freeze before releasing it.
	time.Sleep(20 * time.Millisecond)
	h.freezer.SetFreeze(true)
	lock.Unlock()

	if err := <-done; !errors.Is(err, contracts.ErrRolloutFrozen) {
		t.Fatalf("expected ErrRolloutFrozen, got %v", err)
	}
	final, _ := h.store.Get(context.Background(), req.ID)
	if final.Status != contracts.StatusApproved || final.Executed {
		t.Fatalf("refused rollout must leave the request approved and unexecuted, got %+v", final)
	}
	for _, e := range h.journal.list() {
		if e == "restart" || e == "probe" {
			t.Fatal("a frozen rollout must not touch the target")
		}
	}
}

func TestLostRollbackParkIsReported(t *testing.T) {
	h := newHarness(t)
	req := h.approvedRequest(t)
	h.prober.failOn[1] = true
	h.store.denyPark = true

	err := h.orch.Run(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "not parked") {
		t.Fatalf("a lost park must be reported, got %v", err)
	}

	events := h.ledger.Query(audit.QueryFilter{Type: audit.EventRollback})
	if len(events) != 1 {
		t.Fatalf("expected 1 rollback event, got %d", len(events))
	}
	if _, ok := events[0].Details["fatal"]; !ok {
		t.Fatalf("the event must flag the failed park, got %+v", events[0].Details)
	}
	if got := h.metrics.rollbacks; len(got) != 0 {
		t.Fatalf("a rollback that failed to park must not count as completed, got %v", got)
	}
}

func TestReleaseHistoryTracksRollbackTarget(t *testing.T) {
	h, err := NewReleaseHistory("1.4.0")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Record("1.5.0"); err != nil {
		t.Fatal(err)
	}
	if h.Current() != "1.5.0" {
		t.Fatalf("unexpected current %s", h.Current())
	}
	if h.Previous() != "1.4.0" {
		t.Fatalf("unexpected previous %s", h.Previous())
	}
	h.Drop()
	if h.Current() != "1.4.0" {
		t.Fatalf("after rollback current should be 1.4.0, got %s", h.Current())
	}
	if err := h.Record("not-a-version"); err == nil {
		t.Fatal("expected invalid version to be rejected")
	}
}
