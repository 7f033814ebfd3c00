// Package store implements the Change Request Store: the durable,
// single-source-of-truth record of every submitted change and its
// lifecycle, plus the approval state machine that moves requests
// between states.
//
// Writes are serialized per request id through an atomic
// check-and-transition (compare-and-swap on status): the first writer
// wins, later writers observe a non-pending row and no-op.
package store

import (
	"context"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/contracts"
)

// Store is the durable interface for change request persistence.
// Implementations must assign monotonically increasing ids and must
// make Transition atomic with respect to concurrent callers.
type Store interface {
	// Create persists a new request and assigns its id.
	Create(ctx context.Context, req *contracts.ChangeRequest) (*contracts.ChangeRequest, error)

	// Get retrieves a request by id. Returns contracts.ErrNotFound if
	// no such row exists.
	Get(ctx context.Context, id int64) (*contracts.ChangeRequest, error)

	// Transition atomically moves a request from one status to another,
	// stamping updated_at. Returns false (without error) when the row
	// is no longer in the expected source status.
	Transition(ctx context.Context, id int64, from, to contracts.Status, now time.Time) (bool, error)

	// MarkExecuted flags a request as acted upon by the orchestrator.
	// Set before any side-effecting action begins, so a crash
	// mid-rollout cannot cause a double rollout after restart.
	MarkExecuted(ctx context.Context, id int64, now time.Time) error

	// ListByStatus retrieves all requests in the given status.
	ListByStatus(ctx context.Context, status contracts.Status) ([]*contracts.ChangeRequest, error)

	// ListStalePending retrieves pending requests whose TTL elapsed
	// before now. Used by the optional expiry sweep.
	ListStalePending(ctx context.Context, now time.Time) ([]*contracts.ChangeRequest, error)
}
