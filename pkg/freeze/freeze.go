// Package freeze implements the process-wide rollout gate. When frozen,
// no new rollout may start except during an explicit, time-bounded
// bypass window. The flag is modelled as an injected service rather
// than a package-level variable so it can be unit-tested and later
// swapped for a distributed lock if the control plane grows beyond one
// instance.
package freeze

import (
	"sync"
	"time"
)

// DefaultBypass is the bypass window granted when no duration is given.
const DefaultBypass = 30 * time.Minute

// State is a snapshot of the controller's flags.
type State struct {
	Frozen      bool       `json:"frozen"`
	BypassUntil *time.Time `json:"bypass_until,omitempty"`
}

// Controller is the process-wide freeze gate. Any component may read
// it; only the human-approval control surface writes it.
type Controller struct {
	mu          sync.Mutex
	frozen      bool
	bypassUntil time.Time
	clock       func() time.Time
}

// NewController creates an unfrozen controller.
func NewController() *Controller {
	return &Controller{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// IsBlocked reports whether a new rollout must be refused now.
// A rollout is permitted iff not frozen, or inside the bypass window.
func (c *Controller) IsBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen {
		return false
	}
	return !c.clock().Before(c.bypassUntil)
}

// SetFreeze turns the global freeze on or off.
func (c *Controller) SetFreeze(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = on
	if !on {
		c.bypassUntil = time.Time{}
	}
}

// GrantBypass opens a temporary window during which rollouts proceed
// even while frozen. It does not clear the freeze itself.
func (c *Controller) GrantBypass(d time.Duration) time.Time {
	if d <= 0 {
		d = DefaultBypass
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bypassUntil = c.clock().Add(d)
	return c.bypassUntil
}

// RevokeBypass closes any open bypass window.
func (c *Controller) RevokeBypass() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bypassUntil = time.Time{}
}

// Snapshot returns the current flags for the control surface.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{Frozen: c.frozen}
	if !c.bypassUntil.IsZero() {
		until := c.bypassUntil
		s.BypassUntil = &until
	}
	return s
}
