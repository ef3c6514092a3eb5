// Package safety guards reactive agent-turn triggers (chat, dashboard)
// with three independent layers: duplicate detection, sliding-window rate
// limiting, and a circuit breaker. Every attempt lands in an append-only
// audit log.
package safety

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/codex-autorunner/car/internal/logging"
)

// Rejection reason codes.
const (
	ReasonDuplicate   = "duplicate_action"
	ReasonRateLimited = "rate_limited"
	ReasonCircuitOpen = "circuit_open"
)

// fingerprint hashes the message head so near-identical spam collapses
// onto one key.
const fingerprintPrefixLen = 256

// Config tunes the three layers. Each can be independently disabled.
type Config struct {
	DedupEnabled        bool
	DedupWindow         time.Duration
	MaxDuplicateActions int

	RateLimitEnabled    bool
	RateLimitWindow     time.Duration
	MaxActionsPerWindow int

	BreakerEnabled   bool
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// AuditPath is the append-only audit.jsonl. Empty disables auditing.
	AuditPath string

	// MaxTrackedKeys bounds the per-layer LRU state.
	MaxTrackedKeys int
}

func DefaultConfig(auditPath string) Config {
	return Config{
		DedupEnabled:        true,
		DedupWindow:         5 * time.Minute,
		MaxDuplicateActions: 2,
		RateLimitEnabled:    true,
		RateLimitWindow:     time.Minute,
		MaxActionsPerWindow: 10,
		BreakerEnabled:      true,
		BreakerThreshold:    5,
		BreakerCooldown:     10 * time.Minute,
		AuditPath:           auditPath,
		MaxTrackedKeys:      1024,
	}
}

// Decision is the structured allow/deny answer returned to callers.
// Denials never persist to the flow store.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Rejection is Decision in error form, for call sites that propagate.
type Rejection struct {
	Reason  string
	Details map[string]any
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("safety rejection: %s", r.Reason)
}

// AuditEntry is one line of audit.jsonl.
type AuditEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"ts"`
	Agent       string    `json:"agent"`
	Fingerprint string    `json:"fingerprint"`
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason,omitempty"`
}

type breakerState struct {
	consecutiveFailures int
	openUntil           time.Time
}

// Checker enforces the three layers.
type Checker struct {
	cfg    Config
	logger logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	dedup    *lru.Cache[string, []time.Time]
	rate     *lru.Cache[string, []time.Time]
	breakers *lru.Cache[string, *breakerState]
}

func NewChecker(cfg Config, logger logging.Logger) (*Checker, error) {
	if cfg.MaxTrackedKeys <= 0 {
		cfg.MaxTrackedKeys = 1024
	}
	dedup, err := lru.New[string, []time.Time](cfg.MaxTrackedKeys)
	if err != nil {
		return nil, err
	}
	rate, err := lru.New[string, []time.Time](cfg.MaxTrackedKeys)
	if err != nil {
		return nil, err
	}
	breakers, err := lru.New[string, *breakerState](cfg.MaxTrackedKeys)
	if err != nil {
		return nil, err
	}
	c := &Checker{
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		dedup:    dedup,
		rate:     rate,
		breakers: breakers,
	}
	if cfg.DedupEnabled && cfg.AuditPath != "" {
		c.seedDedupFromAudit()
	}
	return c, nil
}

// seedDedupFromAudit replays recent allowed attempts from audit.jsonl so
// the dedup window survives a restart instead of silently resetting.
func (c *Checker) seedDedupFromAudit() {
	entries, err := ReadAudit(c.cfg.AuditPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("replay audit log: %v", err)
		}
		return
	}
	cutoff := c.now().Add(-c.cfg.DedupWindow)
	for _, entry := range entries {
		if !entry.Allowed || !entry.Timestamp.After(cutoff) {
			continue
		}
		key := entry.Agent + "\x00" + entry.Fingerprint
		c.dedup.Add(key, append(c.getTimes(c.dedup, key), entry.Timestamp))
	}
}

// Fingerprint hashes the head of a message into a stable dedup key.
func Fingerprint(message string) string {
	if len(message) > fingerprintPrefixLen {
		message = message[:fingerprintPrefixLen]
	}
	sum := blake3.Sum256([]byte(message))
	return fmt.Sprintf("%x", sum[:12])
}

// Check evaluates one reactive action. Allowed actions are recorded into
// the dedup and rate windows; every attempt is audited.
func (c *Checker) Check(agentID, message string) Decision {
	fp := Fingerprint(message)
	now := c.now()

	c.mu.Lock()
	decision := c.evaluateLocked(agentID, fp, now)
	c.mu.Unlock()

	c.audit(AuditEntry{
		Timestamp:   now,
		Agent:       agentID,
		Fingerprint: fp,
		Allowed:     decision.Allowed,
		Reason:      decision.Reason,
	})
	return decision
}

func (c *Checker) evaluateLocked(agentID, fp string, now time.Time) Decision {
	if c.cfg.BreakerEnabled {
		if st, ok := c.breakers.Get(agentID); ok && now.Before(st.openUntil) {
			return Decision{Allowed: false, Reason: ReasonCircuitOpen, Details: map[string]any{
				"open_until": st.openUntil.UTC().Format(time.RFC3339),
			}}
		}
	}

	dedupKey := agentID + "\x00" + fp
	if c.cfg.DedupEnabled {
		seen := pruneWindow(c.getTimes(c.dedup, dedupKey), now, c.cfg.DedupWindow)
		if len(seen) >= c.cfg.MaxDuplicateActions {
			c.dedup.Add(dedupKey, seen)
			return Decision{Allowed: false, Reason: ReasonDuplicate, Details: map[string]any{
				"fingerprint": fp,
				"occurrences": len(seen),
			}}
		}
	}

	if c.cfg.RateLimitEnabled {
		recent := pruneWindow(c.getTimes(c.rate, agentID), now, c.cfg.RateLimitWindow)
		if len(recent) >= c.cfg.MaxActionsPerWindow {
			c.rate.Add(agentID, recent)
			return Decision{Allowed: false, Reason: ReasonRateLimited, Details: map[string]any{
				"window_actions": len(recent),
			}}
		}
	}

	// Allowed: record the action into both windows.
	if c.cfg.DedupEnabled {
		c.dedup.Add(dedupKey, append(pruneWindow(c.getTimes(c.dedup, dedupKey), now, c.cfg.DedupWindow), now))
	}
	if c.cfg.RateLimitEnabled {
		c.rate.Add(agentID, append(pruneWindow(c.getTimes(c.rate, agentID), now, c.cfg.RateLimitWindow), now))
	}
	return Decision{Allowed: true}
}

// ReportResult feeds the circuit breaker. Any success or neutral result
// resets the consecutive failure count.
func (c *Checker) ReportResult(agentID string, failed bool) {
	if !c.cfg.BreakerEnabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.breakers.Get(agentID)
	if !ok {
		st = &breakerState{}
		c.breakers.Add(agentID, st)
	}
	if !failed {
		st.consecutiveFailures = 0
		return
	}
	st.consecutiveFailures++
	if st.consecutiveFailures >= c.cfg.BreakerThreshold {
		st.openUntil = c.now().Add(c.cfg.BreakerCooldown)
		st.consecutiveFailures = 0
		c.logger.Warn("circuit breaker for %s open until %s", agentID, st.openUntil.Format(time.RFC3339))
	}
}

func (c *Checker) getTimes(cache *lru.Cache[string, []time.Time], key string) []time.Time {
	times, _ := cache.Get(key)
	return times
}

func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	if window <= 0 {
		return times
	}
	cutoff := now.Add(-window)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// audit appends one line to audit.jsonl. Best-effort; the audit log is
// evidence, not a gate.
func (c *Checker) audit(entry AuditEntry) {
	if c.cfg.AuditPath == "" {
		return
	}
	entry.ID = ulid.MustNew(ulid.Timestamp(entry.Timestamp), rand.Reader).String()
	entry.Timestamp = entry.Timestamp.UTC()

	if err := os.MkdirAll(filepath.Dir(c.cfg.AuditPath), 0o755); err != nil {
		c.logger.Warn("audit dir: %v", err)
		return
	}
	f, err := os.OpenFile(c.cfg.AuditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.logger.Warn("open audit log: %v", err)
		return
	}
	defer func() { _ = f.Close() }()
	line, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("encode audit entry: %v", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		c.logger.Warn("append audit entry: %v", err)
	}
}

// ReadAudit loads the audit log, oldest first. Used for postmortems and
// tests.
func ReadAudit(path string) ([]AuditEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []AuditEntry
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
