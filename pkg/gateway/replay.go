package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/redis/go-redis/v9"
)

// ReplayWindow bounds duplicate callback processing. Duplicates that
// arrive after the window are caught by the state machine's
// post-pending no-op instead; the two layers are independent.
const ReplayWindow = 60 * time.Second

// EventDigest computes a stable content digest of an inbound callback
// event. JSON payloads are canonicalized (RFC 8785) first so that key
// order and whitespace differences between redeliveries do not defeat
// the guard; non-JSON input is hashed as-is.
func EventDigest(raw []byte) string {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ReplayGuard remembers recently-seen event digests.
type ReplayGuard interface {
	// Seen records the digest and reports whether it was already
	// present inside the window.
	Seen(ctx context.Context, digest string) (bool, error)
}

// MemoryReplayGuard is the in-process guard, suitable for the default
// single-instance deployment.
type MemoryReplayGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	clock  func() time.Time
}

// NewMemoryReplayGuard creates a guard with the given window; zero or
// negative falls back to ReplayWindow.
func NewMemoryReplayGuard(window time.Duration) *MemoryReplayGuard {
	if window <= 0 {
		window = ReplayWindow
	}
	return &MemoryReplayGuard{
		seen:   make(map[string]time.Time),
		window: window,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *MemoryReplayGuard) WithClock(clock func() time.Time) *MemoryReplayGuard {
	g.clock = clock
	return g
}

func (g *MemoryReplayGuard) Seen(ctx context.Context, digest string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	// Opportunistic pruning keeps the set bounded without a timer.
	for k, at := range g.seen {
		if now.Sub(at) > g.window {
			delete(g.seen, k)
		}
	}

	if at, ok := g.seen[digest]; ok && now.Sub(at) <= g.window {
		return true, nil
	}
	g.seen[digest] = now
	return false, nil
}

// RedisReplayGuard shares the seen-set through Redis so the guard
// survives process restarts. SET NX with a TTL makes check-and-record
// a single atomic operation.
type RedisReplayGuard struct {
	client *redis.Client
	window time.Duration
}

// NewRedisReplayGuard creates a Redis-backed guard.
func NewRedisReplayGuard(addr, password string, db int, window time.Duration) *RedisReplayGuard {
	if window <= 0 {
		window = ReplayWindow
	}
	return &RedisReplayGuard{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		window: window,
	}
}

func (g *RedisReplayGuard) Seen(ctx context.Context, digest string) (bool, error) {
	stored, err := g.client.SetNX(ctx, "replay:"+digest, 1, g.window).Result()
	if err != nil {
		return false, err
	}
	return !stored, nil
}
