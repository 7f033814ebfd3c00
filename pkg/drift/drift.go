// Package drift implements the config freeze and drift detector. A
// tracked artifact's first load establishes a frozen content-hash
// baseline; every later load must hash identically or the artifact is
// treated as untrusted until a human re-baselines it. A companion
// anomaly scorer watches load-over-load metadata for early-warning
// signals that fall short of a hard violation.
package drift

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gcz-labs/gatekeeper/pkg/audit"
	"github.com/gcz-labs/gatekeeper/pkg/contracts"
)

// Record is one entry of a tracked artifact. Content is opaque beyond
// the minimal shape the schema enforces.
type Record map[string]any

// artifactSchema is the minimal shape contract: a list of records, each
// carrying an id, a non-empty name and a non-empty url. Everything else
// is application data the detector does not interpret.
const artifactSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "name", "url"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "url": {"type": "string", "minLength": 1}
    }
  }
}`

// highRiskThreshold is the anomaly score at which a load is logged and
// recorded as high risk even when the freeze check passes.
const highRiskThreshold = 5

// HistoryEntry is one line of the per-artifact load history.
type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Path         string    `json:"path"`
	ContentHash  string    `json:"content_hash"`
	RecordCount  int       `json:"record_count"`
	HashChanged  bool      `json:"hash_changed"`
	AnomalyScore int       `json:"anomaly_score"`
}

// Detector loads tracked artifacts through the freeze gate. Baselines
// and the load history live under stateDir, which must survive process
// restarts for the gate to mean anything.
type Detector struct {
	mu       sync.Mutex
	stateDir string
	schema   *jsonschema.Schema
	ledger   audit.Ledger
	logger   *slog.Logger
	clock    func() time.Time
}

// New creates a detector persisting baselines and history under
// stateDir. ledger may be nil.
func New(stateDir string, ledger audit.Ledger, logger *slog.Logger) (*Detector, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("drift: state dir: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("artifact.json", strings.NewReader(artifactSchema)); err != nil {
		return nil, fmt.Errorf("drift: schema: %w", err)
	}
	schema, err := compiler.Compile("artifact.json")
	if err != nil {
		return nil, fmt.Errorf("drift: schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		stateDir: stateDir,
		schema:   schema,
		ledger:   ledger,
		logger:   logger,
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// LoadFrozen reads, shape-checks and freeze-gates the artifact at path.
// The first-ever load persists the content hash as the frozen baseline.
// A later load whose hash differs returns a FreezeViolationError and
// withholds the data. The anomaly scorer runs on every load, violation
// or not.
func (d *Detector) LoadFrozen(path string) ([]Record, *contracts.ConfigSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("drift: read %s: %w", path, err)
	}
	hash := contentHash(raw)

	records, err := d.parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", contracts.ErrValidation, path, err)
	}

	frozen, err := d.readBaseline(path)
	if err != nil {
		return nil, nil, err
	}
	firstLoad := frozen == ""
	if firstLoad {
		if err := d.writeBaseline(path, hash); err != nil {
			return nil, nil, err
		}
		frozen = hash
		d.logger.Info("config baseline established", "path", path, "hash", hash)
	}

	snapshot := &contracts.ConfigSnapshot{
		ContentHash: hash,
		FrozenHash:  frozen,
		RecordCount: len(records),
	}
	snapshot.AnomalyScore = d.scoreLoad(path, hash, len(records))

	if hash != frozen {
		d.appendEvent(audit.EventFreezeViolation, map[string]any{
			"path":     path,
			"expected": frozen,
			"actual":   hash,
		})
		d.logger.Error("config freeze violation, data withheld", "path", path)
		return nil, snapshot, &contracts.FreezeViolationError{Path: path, Expected: frozen, Actual: hash}
	}
	return records, snapshot, nil
}

// Rebaseline adopts the artifact's current content as the new frozen
// baseline. This is the only way out of a freeze violation and must be
// driven by an explicit human action, never automation.
func (d *Detector) Rebaseline(path string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("drift: read %s: %w", path, err)
	}
	if _, err := d.parse(raw); err != nil {
		return "", fmt.Errorf("%w: %s: %v", contracts.ErrValidation, path, err)
	}
	hash := contentHash(raw)
	if err := d.writeBaseline(path, hash); err != nil {
		return "", err
	}
	d.appendEvent(audit.EventConfigAnomaly, map[string]any{
		"path":   path,
		"action": "rebaseline",
		"hash":   hash,
	})
	d.logger.Warn("config re-baselined", "path", path, "hash", hash)
	return hash, nil
}

// History returns the newest entries for path, newest last, at most
// limit (0 means all).
func (d *Detector) History(path string, limit int) ([]HistoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := d.readHistory(path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (d *Detector) parse(raw []byte) ([]Record, error) {
	var shape any
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, err
	}
	if err := d.schema.Validate(shape); err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// scoreLoad computes the anomaly score against the previous load and
// appends a history entry. Scores at or above the high-risk threshold
// are logged and recorded in the audit ledger even when the freeze
// check passes.
func (d *Detector) scoreLoad(path, hash string, count int) int {
	previous, err := d.readHistory(path)
	if err != nil {
		d.logger.Warn("drift history unreadable, scoring without it", "path", path, "error", err)
	}

	hashChanged := false
	if len(previous) > 0 {
		hashChanged = previous[len(previous)-1].ContentHash != hash
	}

	score := 0
	if hashChanged {
		score += 3
	}
	if count == 0 {
		score += 5
	}
	if count > 500 {
		score += 2
	}

	entry := HistoryEntry{
		Timestamp:    d.clock().UTC(),
		Path:         path,
		ContentHash:  hash,
		RecordCount:  count,
		HashChanged:  hashChanged,
		AnomalyScore: score,
	}
	if err := d.appendHistory(entry); err != nil {
		d.logger.Warn("drift history append failed", "path", path, "error", err)
	}

	if score >= highRiskThreshold {
		d.logger.Warn("high-risk config anomaly",
			"path", path, "score", score, "record_count", count, "hash_changed", hashChanged)
		d.appendEvent(audit.EventConfigAnomaly, map[string]any{
			"path":         path,
			"score":        score,
			"record_count": count,
			"hash_changed": hashChanged,
		})
	}
	return score
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// artifactKey derives a stable filename for per-artifact state from the
// artifact path.
func artifactKey(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

func (d *Detector) baselinePath(path string) string {
	return filepath.Join(d.stateDir, artifactKey(path)+".baseline")
}

func (d *Detector) historyPath(path string) string {
	return filepath.Join(d.stateDir, artifactKey(path)+".history.jsonl")
}

func (d *Detector) readBaseline(path string) (string, error) {
	raw, err := os.ReadFile(d.baselinePath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("drift: baseline for %s: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// writeBaseline writes via a temp file and rename so a crash can never
// leave a truncated baseline behind.
func (d *Detector) writeBaseline(path, hash string) error {
	target := d.baselinePath(path)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(hash+"\n"), 0o644); err != nil {
		return fmt.Errorf("drift: baseline for %s: %w", path, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("drift: baseline for %s: %w", path, err)
	}
	return nil
}

func (d *Detector) appendHistory(entry HistoryEntry) error {
	f, err := os.OpenFile(d.historyPath(entry.Path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (d *Detector) readHistory(path string) ([]HistoryEntry, error) {
	f, err := os.Open(d.historyPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn final line from a crash is skipped, not fatal.
			d.logger.Warn("skipping unreadable history line", "path", path, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func (d *Detector) appendEvent(eventType audit.EventType, details map[string]any) {
	if d.ledger == nil {
		return
	}
	if _, err := d.ledger.Append(eventType, 0, details); err != nil {
		d.logger.Error("audit append failed", "event_type", eventType, "error", err)
	}
}
