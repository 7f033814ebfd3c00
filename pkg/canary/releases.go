package canary

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// ReleaseHistory tracks the semantic versions that reached the target,
// newest last. Rollback consults it for the previous known-good
// version, which is recorded alongside the revert in the audit ledger.
type ReleaseHistory struct {
	mu       sync.Mutex
	versions []*semver.Version
}

// NewReleaseHistory starts from the currently deployed version, if known.
func NewReleaseHistory(current string) (*ReleaseHistory, error) {
	h := &ReleaseHistory{}
	if current != "" {
		if err := h.Record(current); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Record appends a deployed version.
func (h *ReleaseHistory) Record(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("release history: invalid version %q: %w", version, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versions = append(h.versions, v)
	return nil
}

// Current returns the newest recorded version, or "" when unknown.
func (h *ReleaseHistory) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.versions) == 0 {
		return ""
	}
	return h.versions[len(h.versions)-1].String()
}

// Previous returns the version a rollback lands on, or "" when history
// is too short to know.
func (h *ReleaseHistory) Previous() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.versions) < 2 {
		return ""
	}
	return h.versions[len(h.versions)-2].String()
}

// Drop discards the newest version after a rollback, so the next
// rollback target stays correct.
func (h *ReleaseHistory) Drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.versions) > 0 {
		h.versions = h.versions[:len(h.versions)-1]
	}
}
