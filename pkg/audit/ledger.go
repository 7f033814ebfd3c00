// Package audit implements the append-only audit ledger. Every state
// transition in the control plane is recorded here: submissions,
// decisions, rollout stages, rollbacks, freeze toggles and config drift
// alarms. Events are hash-chained so post-hoc tampering is detectable,
// and mirrored as JSON lines to an injectable writer for shipping.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventSubmitted       EventType = "submitted"
	EventDecision        EventType = "decision"
	EventExpired         EventType = "expired"
	EventRolloutStart    EventType = "rollout_start"
	EventRolloutStage    EventType = "rollout_stage"
	EventRolloutSuccess  EventType = "rollout_success"
	EventRollback        EventType = "rollback"
	EventRolloutRefused  EventType = "rollout_refused"
	EventFreezeToggle    EventType = "freeze_toggle"
	EventBypassGranted   EventType = "bypass_granted"
	EventConfigAnomaly   EventType = "config_anomaly"
	EventFreezeViolation EventType = "freeze_violation"
	EventChannelFailure  EventType = "channel_failure"
)

// Event is a single immutable ledger entry.
type Event struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"event_type"`
	RequestID    int64          `json:"request_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
}

// Ledger is the append-only event log. Appends are safe for concurrent
// writers; entries are never mutated or deleted.
type Ledger interface {
	Append(eventType EventType, requestID int64, details map[string]any) (*Event, error)
}

// ChainLedger keeps the full chain in memory and mirrors each entry as
// a JSON line to a writer (stdout by default, a log file in production).
type ChainLedger struct {
	mu        sync.Mutex
	writer    io.Writer
	events    []*Event
	sequence  uint64
	chainHead string
	clock     func() time.Time
}

// NewLedger creates a ledger mirroring to os.Stdout.
func NewLedger() *ChainLedger {
	return NewLedgerWithWriter(os.Stdout)
}

// NewLedgerWithWriter creates a ledger mirroring entries to w. Passing
// nil falls back to os.Stdout.
func NewLedgerWithWriter(w io.Writer) *ChainLedger {
	if w == nil {
		w = os.Stdout
	}
	return &ChainLedger{
		writer:    w,
		chainHead: "genesis",
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *ChainLedger) WithClock(clock func() time.Time) *ChainLedger {
	l.clock = clock
	return l
}

// Append records a new event and returns it.
func (l *ChainLedger) Append(eventType EventType, requestID int64, details map[string]any) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	event := &Event{
		ID:           uuid.New().String(),
		Sequence:     l.sequence,
		Timestamp:    l.clock().UTC(),
		Type:         eventType,
		RequestID:    requestID,
		Details:      details,
		PreviousHash: l.chainHead,
	}

	hash, err := entryHash(event)
	if err != nil {
		l.sequence--
		return nil, fmt.Errorf("audit: failed to hash entry: %w", err)
	}
	event.EntryHash = hash
	l.chainHead = hash
	l.events = append(l.events, event)

	line, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to serialize entry: %w", err)
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("audit: failed to write entry: %w", err)
	}
	return event, nil
}

func entryHash(e *Event) (string, error) {
	hashable := struct {
		Sequence     uint64         `json:"sequence"`
		Timestamp    time.Time      `json:"timestamp"`
		Type         EventType      `json:"event_type"`
		RequestID    int64          `json:"request_id"`
		Details      map[string]any `json:"details"`
		PreviousHash string         `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.Type, e.RequestID, e.Details, e.PreviousHash}

	data, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// QueryFilter selects events for post-hoc review.
type QueryFilter struct {
	Type       EventType
	RequestID  int64
	Since      *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.RequestID != 0 && e.RequestID != f.RequestID {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

// Query returns events matching the filter, in append order.
func (l *ChainLedger) Query(filter QueryFilter) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	results := make([]*Event, 0)
	for _, e := range l.events {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// Size returns the number of recorded events.
func (l *ChainLedger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// VerifyChain recomputes every entry hash and checks the chain links.
func (l *ChainLedger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expectedPrev := "genesis"
	for i, e := range l.events {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("audit: chain broken at entry %d: previous_hash %s, expected %s", i, e.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("audit: chain verification failed at entry %d: %w", i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("audit: entry %d hash mismatch (computed %s, stored %s)", i, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}
