// Package canary implements the staged rollout orchestrator. An
// approved change is materialized in ascending stages; each stage
// restarts the affected services and then watches a fixed number of
// health probes. Any unhealthy probe aborts the run and rolls the
// target back to the previous known-good revision.
//
// On a single-instance target the stage percentage does not shard a
// fleet; it gates a dwell-and-verify period per stage, which is what
// catches a bad deploy before it is called done.
package canary

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gcz-labs/gatekeeper/pkg/audit"
	"github.com/gcz-labs/gatekeeper/pkg/contracts"
	"github.com/gcz-labs/gatekeeper/pkg/freeze"
)

// StatusStore is the slice of the change request store the orchestrator
// writes: Executed, Status, timestamps. Nothing else.
type StatusStore interface {
	Get(ctx context.Context, id int64) (*contracts.ChangeRequest, error)
	MarkExecuted(ctx context.Context, id int64, now time.Time) error
	Transition(ctx context.Context, id int64, from, to contracts.Status, now time.Time) (bool, error)
	ListByStatus(ctx context.Context, status contracts.Status) ([]*contracts.ChangeRequest, error)
}

// Messenger reports rollout outcomes back to the approval channel.
type Messenger interface {
	Send(ctx context.Context, text string) error
}

// Metrics counts rollouts and rollbacks. A nil sink is valid.
type Metrics interface {
	RecordRollout(ctx context.Context, target string)
	RecordRollback(ctx context.Context, trigger string)
}

// Config tunes the rollout shape.
type Config struct {
	// Target names the deployment target; runs for the same target are
	// serialized.
	Target string
	// Stages are ascending rollout percentages.
	Stages []int
	// Services are restarted at every stage and during rollback.
	Services []string
	// ProbeCount health probes run per stage, ProbeInterval apart.
	ProbeCount    int
	ProbeInterval time.Duration
	// Version names the release being rolled out. Recorded in the
	// release history when a rollout succeeds, so a later rollback can
	// name the version it lands on.
	Version string
}

// DefaultConfig mirrors the production rollout shape: three stages,
// six probes ten seconds apart.
func DefaultConfig(target string, services []string) Config {
	return Config{
		Target:        target,
		Stages:        []int{10, 50, 100},
		Services:      services,
		ProbeCount:    6,
		ProbeInterval: 10 * time.Second,
	}
}

// Orchestrator executes approved requests as staged rollouts. It is the
// only component permitted to mutate the deployed target.
type Orchestrator struct {
	cfg        Config
	store      StatusStore
	ledger     audit.Ledger
	freezer    *freeze.Controller
	supervisor Supervisor
	reverter   Reverter
	prober     HealthProber
	messenger  Messenger
	releases   *ReleaseHistory
	metrics    Metrics
	clock      func() time.Time
	logger     *slog.Logger

	// One mutex per target identity serializes overlapping rollouts.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds an orchestrator. messenger and releases may be nil.
func New(cfg Config, store StatusStore, ledger audit.Ledger, freezer *freeze.Controller,
	supervisor Supervisor, reverter Reverter, prober HealthProber,
	messenger Messenger, releases *ReleaseHistory, logger *slog.Logger) *Orchestrator {
	if len(cfg.Stages) == 0 {
		cfg.Stages = []int{10, 50, 100}
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = 6
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		ledger:     ledger,
		freezer:    freezer,
		supervisor: supervisor,
		reverter:   reverter,
		prober:     prober,
		messenger:  messenger,
		releases:   releases,
		clock:      time.Now,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithMetrics attaches a metrics sink.
func (o *Orchestrator) WithMetrics(m Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// OnApproved implements the state machine's rollout hook. The rollout
// runs on its own goroutine; the decision callback must not block on
// canary stages.
func (o *Orchestrator) OnApproved(req *contracts.ChangeRequest) {
	go func() {
		if err := o.Run(context.Background(), req); err != nil {
			o.logger.Warn("rollout did not complete", "request_id", req.ID, "error", err)
		}
	}()
}

// OnRollbackRequested implements the state machine's rollback hook.
func (o *Orchestrator) OnRollbackRequested(req *contracts.ChangeRequest) {
	go func() {
		if err := o.ExecuteRollback(context.Background(), req); err != nil {
			o.logger.Error("requested rollback failed, operator intervention required",
				"request_id", req.ID, "error", err)
		}
	}()
}

// Run executes one approved request as a staged rollout.
func (o *Orchestrator) Run(ctx context.Context, req *contracts.ChangeRequest) error {
	if err := o.refuseIfFrozen(req); err != nil {
		return err
	}

	lock := o.targetLock(o.cfg.Target)
	lock.Lock()
	defer lock.Unlock()

	// A freeze may have landed while this run queued behind another
	// rollout on the same target.
	if err := o.refuseIfFrozen(req); err != nil {
		return err
	}

	// Re-read under the lock: another run, or a restart rescan, may
	// have raced us here.
	current, err := o.store.Get(ctx, req.ID)
	if err != nil {
		return err
	}
	if current.Status != contracts.StatusApproved {
		return fmt.Errorf("%w: request %d is %s", contracts.ErrStaleDecision, req.ID, current.Status)
	}
	if current.Executed {
		o.logger.Info("request already executed, skipping", "request_id", req.ID)
		return nil
	}

	// Executed is flagged before any side effect so a crash mid-rollout
	// cannot replay the rollout after restart.
	if err := o.store.MarkExecuted(ctx, req.ID, o.clock()); err != nil {
		return fmt.Errorf("rollout: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordRollout(ctx, o.cfg.Target)
	}

	run := &contracts.CanaryRun{
		RunID:     uuid.New().String(),
		RequestID: req.ID,
		Target:    o.cfg.Target,
		Stages:    o.cfg.Stages,
		StartedAt: o.clock(),
	}
	o.appendEvent(audit.EventRolloutStart, req.ID, map[string]any{
		"run_id": run.RunID,
		"stages": run.Stages,
	})

	for i, pct := range o.cfg.Stages {
		run.Stage = i
		o.appendEvent(audit.EventRolloutStage, req.ID, map[string]any{
			"run_id":  run.RunID,
			"stage":   i,
			"percent": pct,
		})

		if err := o.supervisor.Restart(ctx, o.cfg.Services); err != nil {
			return o.rollback(ctx, req, run, fmt.Sprintf("stage %d restart failed: %v", i, err))
		}

		if err := o.verifyStage(ctx, run, i); err != nil {
			return o.rollback(ctx, req, run, fmt.Sprintf("stage %d: %v", i, err))
		}
	}

	if ok, err := o.store.Transition(ctx, req.ID, contracts.StatusApproved, contracts.StatusDeployed, o.clock()); err != nil || !ok {
		return fmt.Errorf("rollout: failed to finalize request %d: %v", req.ID, err)
	}

	details := map[string]any{"run_id": run.RunID}
	if o.cfg.Version != "" {
		details["version"] = o.cfg.Version
		if o.releases != nil {
			if err := o.releases.Record(o.cfg.Version); err != nil {
				o.logger.Warn("release history rejected version", "version", o.cfg.Version, "error", err)
			}
		}
	}
	o.appendEvent(audit.EventRolloutSuccess, req.ID, details)
	o.send(ctx, fmt.Sprintf("🚀 Change request %d deployed, all canary stages healthy", req.ID))
	return nil
}

// refuseIfFrozen rejects the run while the freeze controller blocks
// rollouts. The request stays approved: it can be retried after the
// freeze lifts without resubmission.
func (o *Orchestrator) refuseIfFrozen(req *contracts.ChangeRequest) error {
	if o.freezer == nil || !o.freezer.IsBlocked() {
		return nil
	}
	o.appendEvent(audit.EventRolloutRefused, req.ID, map[string]any{"reason": "freeze active"})
	o.logger.Info("rollout refused by freeze controller", "request_id", req.ID)
	return contracts.ErrRolloutFrozen
}

// verifyStage runs the fixed probe schedule for one stage.
func (o *Orchestrator) verifyStage(ctx context.Context, run *contracts.CanaryRun, stage int) error {
	for attempt := 1; attempt <= o.cfg.ProbeCount; attempt++ {
		if o.cfg.ProbeInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.ProbeInterval):
			}
		}

		err := o.prober.Probe(ctx)
		result := contracts.ProbeResult{
			Stage:   stage,
			Attempt: attempt,
			Healthy: err == nil,
			At:      o.clock(),
		}
		if err != nil {
			result.Detail = err.Error()
			run.Probes = append(run.Probes, result)
			return err
		}
		run.Probes = append(run.Probes, result)
	}
	return nil
}

// rollback reverts the target and parks the request in rolled_back.
// A failing revert is fatal: it is logged for the operator and no
// further automation touches the target.
func (o *Orchestrator) rollback(ctx context.Context, req *contracts.ChangeRequest, run *contracts.CanaryRun, reason string) error {
	o.logger.Warn("rolling back", "request_id", req.ID, "reason", reason)

	if err := o.reverter.Revert(ctx); err != nil {
		o.appendEvent(audit.EventRollback, req.ID, map[string]any{
			"run_id": run.RunID,
			"reason": reason,
			"fatal":  "revert failed: " + err.Error(),
		})
		o.logger.Error("rollback failed, operator intervention required", "request_id", req.ID, "error", err)
		return fmt.Errorf("rollback of request %d failed: %w", req.ID, err)
	}
	if err := o.supervisor.Restart(ctx, o.cfg.Services); err != nil {
		o.logger.Error("post-rollback restart failed, operator intervention required", "request_id", req.ID, "error", err)
		return fmt.Errorf("post-rollback restart for request %d failed: %w", req.ID, err)
	}

	if ok, err := o.store.Transition(ctx, req.ID, contracts.StatusApproved, contracts.StatusRolledBack, o.clock()); err != nil || !ok {
		// The revert happened; do not claim the request was parked.
		o.appendEvent(audit.EventRollback, req.ID, map[string]any{
			"run_id": run.RunID,
			"reason": reason,
			"fatal":  fmt.Sprintf("target reverted but request not parked in rolled_back: %v", err),
		})
		return fmt.Errorf("rollback: request %d reverted but not parked in rolled_back: %v", req.ID, err)
	}

	details := map[string]any{"run_id": run.RunID, "reason": reason}
	if o.releases != nil {
		// The aborted version was never recorded, so the revert restores
		// the newest known-good release.
		if cur := o.releases.Current(); cur != "" {
			details["reverted_to"] = cur
		}
	}
	o.appendEvent(audit.EventRollback, req.ID, details)
	if o.metrics != nil {
		o.metrics.RecordRollback(ctx, "probe_failure")
	}
	o.send(ctx, fmt.Sprintf("🔁 Change request %d rolled back: %s", req.ID, reason))
	return fmt.Errorf("rollout aborted, target rolled back: %s", reason)
}

// rollbackTarget names the version a requested rollback lands on and
// trims the history so the next rollback stays correct. When the
// rolled-back version was never recorded, the newest known version is
// what the revert restores.
func (o *Orchestrator) rollbackTarget() string {
	if o.releases == nil {
		return ""
	}
	if prev := o.releases.Previous(); prev != "" {
		o.releases.Drop()
		return prev
	}
	return o.releases.Current()
}

// ExecuteRollback honors a human rollback request that landed after the
// fact. If the change was never executed there is nothing on the target
// to revert; the request is simply parked.
func (o *Orchestrator) ExecuteRollback(ctx context.Context, req *contracts.ChangeRequest) error {
	lock := o.targetLock(o.cfg.Target)
	lock.Lock()
	defer lock.Unlock()

	current, err := o.store.Get(ctx, req.ID)
	if err != nil {
		return err
	}
	if current.Status != contracts.StatusRollbackRequested {
		return fmt.Errorf("%w: request %d is %s", contracts.ErrStaleDecision, req.ID, current.Status)
	}

	reason := "rollback requested by operator"
	if current.Executed {
		if err := o.reverter.Revert(ctx); err != nil {
			o.logger.Error("rollback failed, operator intervention required", "request_id", req.ID, "error", err)
			return fmt.Errorf("rollback of request %d failed: %w", req.ID, err)
		}
		if err := o.supervisor.Restart(ctx, o.cfg.Services); err != nil {
			return fmt.Errorf("post-rollback restart for request %d failed: %w", req.ID, err)
		}
	} else {
		reason = "rollback requested before execution; target untouched"
	}

	if ok, err := o.store.Transition(ctx, req.ID, contracts.StatusRollbackRequested, contracts.StatusRolledBack, o.clock()); err != nil || !ok {
		return fmt.Errorf("rollback: request %d not parked in rolled_back: %v", req.ID, err)
	}
	details := map[string]any{"reason": reason}
	if current.Executed {
		if target := o.rollbackTarget(); target != "" {
			details["reverted_to"] = target
		}
	}
	o.appendEvent(audit.EventRollback, req.ID, details)
	if o.metrics != nil {
		o.metrics.RecordRollback(ctx, "requested")
	}
	o.send(ctx, fmt.Sprintf("🔁 Change request %d rolled back", req.ID))
	return nil
}

// Rescan resumes work left behind by a crash: approved requests that
// were never executed, and rollback requests that never completed.
// Executed-but-unfinished rollouts are NOT replayed; the executed flag
// exists precisely to prevent that.
func (o *Orchestrator) Rescan(ctx context.Context) error {
	approved, err := o.store.ListByStatus(ctx, contracts.StatusApproved)
	if err != nil {
		return err
	}
	for _, req := range approved {
		if req.Executed {
			o.logger.Warn("found executed but unfinished rollout; leaving for the operator",
				"request_id", req.ID)
			continue
		}
		if err := o.Run(ctx, req); err != nil {
			o.logger.Warn("rescan rollout did not complete", "request_id", req.ID, "error", err)
		}
	}

	requested, err := o.store.ListByStatus(ctx, contracts.StatusRollbackRequested)
	if err != nil {
		return err
	}
	for _, req := range requested {
		if err := o.ExecuteRollback(ctx, req); err != nil {
			o.logger.Warn("rescan rollback did not complete", "request_id", req.ID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) targetLock(target string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	lock, ok := o.locks[target]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[target] = lock
	}
	return lock
}

func (o *Orchestrator) appendEvent(eventType audit.EventType, requestID int64, details map[string]any) {
	if o.ledger == nil {
		return
	}
	if _, err := o.ledger.Append(eventType, requestID, details); err != nil {
		o.logger.Error("audit append failed", "event_type", eventType, "request_id", requestID, "error", err)
	}
}

func (o *Orchestrator) send(ctx context.Context, text string) {
	if o.messenger == nil {
		return
	}
	if err := o.messenger.Send(ctx, text); err != nil {
		o.logger.Warn("rollout confirmation delivery failed", "error", err)
	}
}
