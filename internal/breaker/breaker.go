// Package breaker guards the sync pipeline against destructive
// anomalies: mass deletions are blocked outright, and repeated
// offline/online flaps open the circuit so pushes queue instead of
// hammering a flaky link. Pulls are never gated here.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when push traffic is held back.
var ErrCircuitOpen = errors.New("sync circuit open")

// MassDeleteError reports a blocked batch deletion. Nothing from the
// batch is applied.
type MassDeleteError struct {
	Count          int
	CollectionSize int
	Reason         string
}

func (e *MassDeleteError) Error() string {
	return fmt.Sprintf("batch delete of %d blocked (%s)", e.Count, e.Reason)
}

// Decision is one audit trail entry. Allowed decisions are recorded too;
// the trail answers "what did the breaker see" not just "what did it
// block".
type Decision struct {
	At      time.Time `json:"at"`
	Action  string    `json:"action"`
	Allowed bool      `json:"allowed"`
	Detail  string    `json:"detail,omitempty"`
}

// Config bounds the breaker's guards.
type Config struct {
	// MaxDeleteCount is the absolute batch-delete ceiling.
	MaxDeleteCount int
	// MaxDeleteFraction is the largest share of a collection one batch
	// may delete, in (0, 1].
	MaxDeleteFraction float64
	// FlapThreshold consecutive failures inside FlapWindow open the
	// circuit.
	FlapThreshold int
	// FlapWindow bounds how close together the failures must be.
	FlapWindow time.Duration
	// Cooldown is how long the circuit stays open without a manual
	// reset.
	Cooldown time.Duration
	// AuditSize caps the in-memory decision ring.
	AuditSize int
}

// DefaultConfig mirrors the documented thresholds.
func DefaultConfig() Config {
	return Config{
		MaxDeleteCount:    25,
		MaxDeleteFraction: 0.5,
		FlapThreshold:     3,
		FlapWindow:        2 * time.Minute,
		Cooldown:          5 * time.Minute,
		AuditSize:         256,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	openedAt     time.Time
	open         bool
	failures     []time.Time
	audit        []Decision
	auditCursor  int
	auditWrapped bool
}

// New creates a breaker. Zero-value config fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.MaxDeleteCount <= 0 {
		cfg.MaxDeleteCount = def.MaxDeleteCount
	}
	if cfg.MaxDeleteFraction <= 0 || cfg.MaxDeleteFraction > 1 {
		cfg.MaxDeleteFraction = def.MaxDeleteFraction
	}
	if cfg.FlapThreshold <= 0 {
		cfg.FlapThreshold = def.FlapThreshold
	}
	if cfg.FlapWindow <= 0 {
		cfg.FlapWindow = def.FlapWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.AuditSize <= 0 {
		cfg.AuditSize = def.AuditSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger.With("component", "breaker"),
		now:    time.Now,
		audit:  make([]Decision, cfg.AuditSize),
	}
}

// SetClock replaces the time source. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// CheckBatchDelete blocks deletions exceeding the absolute ceiling or
// the collection fraction. A blocked batch has zero partial effect; the
// caller must not split and retry.
func (b *Breaker) CheckBatchDelete(n, collectionSize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.cfg.MaxDeleteCount {
		reason := fmt.Sprintf("count %d exceeds ceiling %d", n, b.cfg.MaxDeleteCount)
		b.record("batch_delete", false, reason)
		b.logger.Warn("mass delete blocked", "action", "batch_delete", "count", n, "ceiling", b.cfg.MaxDeleteCount)
		return &MassDeleteError{Count: n, CollectionSize: collectionSize, Reason: reason}
	}
	if collectionSize > 0 {
		fraction := float64(n) / float64(collectionSize)
		if fraction > b.cfg.MaxDeleteFraction {
			reason := fmt.Sprintf("fraction %.2f exceeds limit %.2f of %d entities",
				fraction, b.cfg.MaxDeleteFraction, collectionSize)
			b.record("batch_delete", false, reason)
			b.logger.Warn("mass delete blocked", "action", "batch_delete", "count", n, "collection_size", collectionSize)
			return &MassDeleteError{Count: n, CollectionSize: collectionSize, Reason: reason}
		}
	}

	b.record("batch_delete", true, fmt.Sprintf("count %d of %d", n, collectionSize))
	return nil
}

// AllowPush reports whether push traffic may proceed. An open circuit
// past its cooldown closes here.
func (b *Breaker) AllowPush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.open = false
		b.failures = nil
		b.record("cooldown", true, "circuit closed after cooldown")
		b.logger.Info("circuit closed after cooldown", "action", "cooldown")
		return nil
	}
	b.record("push", false, "circuit open")
	return ErrCircuitOpen
}

// RecordFailure notes one failed sync cycle. Reaching the flap
// threshold inside the window opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, now)

	// Keep only failures inside the window.
	cutoff := now.Add(-b.cfg.FlapWindow)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = kept

	if !b.open && len(b.failures) >= b.cfg.FlapThreshold {
		b.open = true
		b.openedAt = now
		b.record("flap", false, fmt.Sprintf("%d failures within %s", len(b.failures), b.cfg.FlapWindow))
		b.logger.Warn("circuit opened on connection flapping",
			"action", "flap",
			"failures", len(b.failures),
			"window", b.cfg.FlapWindow.String(),
		)
	}
}

// RecordSuccess resets the consecutive failure streak. It does not
// close an open circuit; that takes cooldown or Reset.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
}

// Reset force-closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		b.open = false
		b.failures = nil
		b.record("reset", true, "manual reset")
		b.logger.Info("circuit manually reset", "action", "reset")
	}
}

// Open reports whether the circuit is currently open, without the
// cooldown side effect of AllowPush.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.now().Sub(b.openedAt) < b.cfg.Cooldown
}

// Audit returns the decision trail, oldest first.
func (b *Breaker) Audit() []Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.auditWrapped {
		out := make([]Decision, b.auditCursor)
		copy(out, b.audit[:b.auditCursor])
		return out
	}
	out := make([]Decision, 0, len(b.audit))
	out = append(out, b.audit[b.auditCursor:]...)
	out = append(out, b.audit[:b.auditCursor]...)
	return out
}

// record appends to the ring. Caller holds b.mu.
func (b *Breaker) record(action string, allowed bool, detail string) {
	b.audit[b.auditCursor] = Decision{
		At:      b.now(),
		Action:  action,
		Allowed: allowed,
		Detail:  detail,
	}
	b.auditCursor++
	if b.auditCursor == len(b.audit) {
		b.auditCursor = 0
		b.auditWrapped = true
	}
}
