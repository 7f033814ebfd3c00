package freeze

import (
	"testing"
	"time"
)

func TestUnfrozenNeverBlocks(t *testing.T) {
	c := NewController()
	if c.IsBlocked() {
		t.Fatal("fresh controller must not block")
	}
}

func TestFreezeBlocks(t *testing.T) {
	c := NewController()
	c.SetFreeze(true)
	if !c.IsBlocked() {
		t.Fatal("frozen controller must block")
	}
	c.SetFreeze(false)
	if c.IsBlocked() {
		t.Fatal("unfreezing must unblock")
	}
}

func TestBypassWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := NewController().WithClock(func() time.Time { return now })

	c.SetFreeze(true)
	until := c.GrantBypass(30 * time.Minute)
	if !until.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected bypass deadline %v", until)
	}

	if c.IsBlocked() {
		t.Fatal("bypass window must unblock a frozen controller")
	}

	now = now.Add(29 * time.Minute)
	if c.IsBlocked() {
		t.Fatal("still inside the window")
	}

	now = now.Add(time.Minute)
	if !c.IsBlocked() {
		t.Fatal("window elapsed, freeze must block again")
	}
}

func TestBypassDoesNotClearFreeze(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := NewController().WithClock(func() time.Time { return now })

	c.SetFreeze(true)
	c.GrantBypass(time.Minute)

	s := c.Snapshot()
	if !s.Frozen {
		t.Fatal("bypass must not clear the freeze flag")
	}
	if s.BypassUntil == nil {
		t.Fatal("snapshot should expose the bypass deadline")
	}
}

func TestRevokeBypass(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := NewController().WithClock(func() time.Time { return now })

	c.SetFreeze(true)
	c.GrantBypass(time.Hour)
	c.RevokeBypass()
	if !c.IsBlocked() {
		t.Fatal("revoked bypass must block again")
	}
}

func TestDefaultBypassDuration(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := NewController().WithClock(func() time.Time { return now })

	until := c.GrantBypass(0)
	if !until.Equal(now.Add(DefaultBypass)) {
		t.Fatalf("expected default 30m window, got %v", until)
	}
}
