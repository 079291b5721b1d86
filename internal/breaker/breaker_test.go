package breaker

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg, nil)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return current })
	return b, &current
}

func TestBatchDeleteWithinLimits(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	if err := b.CheckBatchDelete(5, 100); err != nil {
		t.Fatalf("CheckBatchDelete: %v", err)
	}
}

func TestBatchDeleteCountCeiling(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxDeleteCount: 25})
	err := b.CheckBatchDelete(26, 10_000)
	if err == nil {
		t.Fatal("batch over the ceiling allowed")
	}
	var mass *MassDeleteError
	if !errors.As(err, &mass) {
		t.Fatalf("err = %T, want MassDeleteError", err)
	}
	if mass.Count != 26 {
		t.Errorf("count = %d", mass.Count)
	}
}

func TestBatchDeleteFraction(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxDeleteFraction: 0.5})

	// 60% of a 10-entity collection: blocked in full.
	if err := b.CheckBatchDelete(6, 10); err == nil {
		t.Fatal("60% batch delete allowed")
	}
	// Exactly half is allowed.
	if err := b.CheckBatchDelete(5, 10); err != nil {
		t.Fatalf("50%% batch delete blocked: %v", err)
	}
}

func TestBatchDeleteEmptyCollectionSkipsFraction(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	if err := b.CheckBatchDelete(3, 0); err != nil {
		t.Fatalf("delete against unknown collection size blocked: %v", err)
	}
}

func TestFlappingOpensCircuit(t *testing.T) {
	b, current := newTestBreaker(Config{FlapThreshold: 3, FlapWindow: 2 * time.Minute})

	b.RecordFailure()
	*current = current.Add(10 * time.Second)
	b.RecordFailure()
	if b.Open() {
		t.Fatal("circuit open after two failures")
	}

	*current = current.Add(10 * time.Second)
	b.RecordFailure()
	if !b.Open() {
		t.Fatal("circuit closed after three failures in window")
	}
	if err := b.AllowPush(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("AllowPush = %v, want ErrCircuitOpen", err)
	}
}

func TestSpreadFailuresDoNotOpen(t *testing.T) {
	b, current := newTestBreaker(Config{FlapThreshold: 3, FlapWindow: 2 * time.Minute})

	for i := 0; i < 5; i++ {
		b.RecordFailure()
		*current = current.Add(3 * time.Minute)
	}
	if b.Open() {
		t.Error("slow failure trickle opened the circuit")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	b, current := newTestBreaker(Config{FlapThreshold: 3, FlapWindow: 2 * time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	*current = current.Add(time.Second)
	b.RecordFailure()

	if b.Open() {
		t.Error("circuit opened despite intervening success")
	}
}

func TestCooldownClosesCircuit(t *testing.T) {
	b, current := newTestBreaker(Config{FlapThreshold: 1, Cooldown: 5 * time.Minute})

	b.RecordFailure()
	if err := b.AllowPush(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("circuit not open")
	}

	*current = current.Add(6 * time.Minute)
	if err := b.AllowPush(); err != nil {
		t.Fatalf("AllowPush after cooldown: %v", err)
	}
	if b.Open() {
		t.Error("circuit still open after cooldown")
	}
}

func TestManualReset(t *testing.T) {
	b, _ := newTestBreaker(Config{FlapThreshold: 1})

	b.RecordFailure()
	if !b.Open() {
		t.Fatal("circuit not open")
	}
	b.Reset()
	if b.Open() {
		t.Error("circuit open after Reset")
	}
	if err := b.AllowPush(); err != nil {
		t.Errorf("AllowPush after reset: %v", err)
	}
}

func TestAuditRecordsAllowAndBlock(t *testing.T) {
	b, _ := newTestBreaker(Config{MaxDeleteCount: 5})

	b.CheckBatchDelete(2, 100)
	b.CheckBatchDelete(50, 100)

	audit := b.Audit()
	if len(audit) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(audit))
	}
	if !audit[0].Allowed {
		t.Error("first decision should be allowed")
	}
	if audit[1].Allowed {
		t.Error("second decision should be blocked")
	}
	if audit[1].Action != "batch_delete" {
		t.Errorf("action = %q", audit[1].Action)
	}
}

func TestAuditRingWraps(t *testing.T) {
	b, _ := newTestBreaker(Config{AuditSize: 4})

	for i := 0; i < 10; i++ {
		b.CheckBatchDelete(1, 100)
	}
	audit := b.Audit()
	if len(audit) != 4 {
		t.Fatalf("audit entries = %d, want ring size 4", len(audit))
	}
}
