package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/worldkernel/worldkernel/internal/core"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, ceiling int64) *Tracker {
	t.Helper()
	tr, err := NewTracker([]Resource{
		{Name: core.ResourceLLMTokens, Window: time.Minute, Ceiling: ceiling},
	})
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	return tr
}

func TestNewTracker_RejectsBadConfig(t *testing.T) {
	if _, err := NewTracker([]Resource{{Name: "x", Window: 0}}); err == nil {
		t.Error("zero window should be rejected")
	}
	if _, err := NewTracker([]Resource{{Name: "x", Window: time.Second}, {Name: "x", Window: time.Second}}); err == nil {
		t.Error("duplicate resource should be rejected")
	}
}

func TestTracker_RateStrictness(t *testing.T) {
	tr := newTestTracker(t, 0)
	if err := tr.SetAllocation("alice", core.ResourceLLMTokens, 3); err != nil {
		t.Fatalf("SetAllocation failed: %v", err)
	}

	// Three admissions within the window, one second apart.
	for i := 0; i < 3; i++ {
		if _, err := tr.Reserve("alice", core.ResourceLLMTokens, 1, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("reservation %d denied: %v", i+1, err)
		}
	}

	// The fourth is denied with a retry hint pointing at the oldest use.
	now := t0.Add(10 * time.Second)
	_, err := tr.Reserve("alice", core.ResourceLLMTokens, 1, now)
	if !errors.Is(err, core.ErrTooFast) {
		t.Fatalf("4th reservation: want TOO_FAST, got %v", err)
	}
	if got, want := core.RetryAfterOf(err), 50*time.Second; got != want {
		t.Errorf("RetryAfter = %v, want %v", got, want)
	}

	// Just before the window rolls it is still denied.
	if _, err := tr.Reserve("alice", core.ResourceLLMTokens, 1, t0.Add(time.Minute-time.Nanosecond)); !errors.Is(err, core.ErrTooFast) {
		t.Errorf("before window rolled: want TOO_FAST, got %v", err)
	}

	// Once the first use leaves the window, exactly one more is admitted.
	at := t0.Add(time.Minute)
	if _, err := tr.Reserve("alice", core.ResourceLLMTokens, 1, at); err != nil {
		t.Errorf("after window rolled: %v", err)
	}
	if _, err := tr.Reserve("alice", core.ResourceLLMTokens, 1, at); !errors.Is(err, core.ErrTooFast) {
		t.Errorf("second after roll: want TOO_FAST, got %v", err)
	}
}

func TestTracker_RetryAfterCoversLargeRequests(t *testing.T) {
	tr := newTestTracker(t, 0)
	tr.SetAllocation("bob", core.ResourceLLMTokens, 10)

	tr.Reserve("bob", core.ResourceLLMTokens, 4, t0)
	tr.Reserve("bob", core.ResourceLLMTokens, 4, t0.Add(20*time.Second))

	// Needs 6 with 2 free: the oldest use has to expire, the newer one can stay.
	_, err := tr.Reserve("bob", core.ResourceLLMTokens, 6, t0.Add(30*time.Second))
	if got, want := core.RetryAfterOf(err), 30*time.Second; got != want {
		t.Errorf("RetryAfter = %v, want %v", got, want)
	}
	if _, err := tr.Reserve("bob", core.ResourceLLMTokens, 6, t0.Add(60*time.Second)); err != nil {
		t.Errorf("after hint elapsed: %v", err)
	}
}

func TestTracker_NoBorrowingNoDebt(t *testing.T) {
	tr := newTestTracker(t, 0)
	tr.SetAllocation("alice", core.ResourceLLMTokens, 2)
	tr.SetAllocation("bob", core.ResourceLLMTokens, 100)

	// Bob's idle capacity does not help Alice.
	if _, err := tr.Reserve("alice", core.ResourceLLMTokens, 3, t0); !errors.Is(err, core.ErrInsufficientQuota) {
		t.Errorf("over-allocation request: want INSUFFICIENT_QUOTA, got %v", err)
	}
	if got := tr.Usage("alice", core.ResourceLLMTokens, t0); got != 0 {
		t.Errorf("denied request recorded usage %d", got)
	}

	if _, err := tr.Reserve("carol", core.ResourceLLMTokens, 1, t0); !errors.Is(err, core.ErrInsufficientQuota) {
		t.Errorf("no allocation: want INSUFFICIENT_QUOTA, got %v", err)
	}
	if _, err := tr.Reserve("alice", "disk", 1, t0); !errors.Is(err, core.ErrInvalidArgs) {
		t.Errorf("non-renewable: want INVALID_ARGS, got %v", err)
	}
	if _, err := tr.Reserve("alice", core.ResourceLLMTokens, 0, t0); !errors.Is(err, core.ErrInvalidArgs) {
		t.Errorf("zero amount: want INVALID_ARGS, got %v", err)
	}
}

func TestTracker_Ceiling(t *testing.T) {
	tr := newTestTracker(t, 100)

	if err := tr.SetAllocation("alice", core.ResourceLLMTokens, 60); err != nil {
		t.Fatalf("SetAllocation alice: %v", err)
	}
	if err := tr.SetAllocation("bob", core.ResourceLLMTokens, 50); !errors.Is(err, core.ErrInsufficientQuota) {
		t.Errorf("above ceiling: want INSUFFICIENT_QUOTA, got %v", err)
	}
	if err := tr.SetAllocation("bob", core.ResourceLLMTokens, 40); err != nil {
		t.Errorf("at ceiling: %v", err)
	}
	// Lowering one allocation frees room for another.
	if err := tr.SetAllocation("alice", core.ResourceLLMTokens, 10); err != nil {
		t.Fatalf("lower alice: %v", err)
	}
	if err := tr.SetAllocation("carol", core.ResourceLLMTokens, 50); err != nil {
		t.Errorf("carol after alice lowered: %v", err)
	}
}

func TestTracker_TransferAllocation(t *testing.T) {
	tr := newTestTracker(t, 100)
	tr.SetAllocation("alice", core.ResourceLLMTokens, 60)
	tr.SetAllocation("bob", core.ResourceLLMTokens, 40)

	if err := tr.TransferAllocation("alice", "bob", core.ResourceLLMTokens, 25); err != nil {
		t.Fatalf("TransferAllocation failed: %v", err)
	}
	if got := tr.Allocation("alice", core.ResourceLLMTokens); got != 35 {
		t.Errorf("alice allocation = %d, want 35", got)
	}
	if got := tr.Allocation("bob", core.ResourceLLMTokens); got != 65 {
		t.Errorf("bob allocation = %d, want 65", got)
	}

	if err := tr.TransferAllocation("alice", "bob", core.ResourceLLMTokens, 36); !errors.Is(err, core.ErrInsufficientQuota) {
		t.Errorf("overdraw: want INSUFFICIENT_QUOTA, got %v", err)
	}
	if got := tr.Allocation("alice", core.ResourceLLMTokens); got != 35 {
		t.Errorf("failed transfer changed alice allocation to %d", got)
	}
	if err := tr.TransferAllocation("alice", "alice", core.ResourceLLMTokens, 1); !errors.Is(err, core.ErrInvalidArgs) {
		t.Errorf("self transfer: want INVALID_ARGS, got %v", err)
	}
}

func TestTracker_SnapshotRestore(t *testing.T) {
	tr := newTestTracker(t, 0)
	tr.SetAllocation("alice", core.ResourceLLMTokens, 2)
	tr.Reserve("alice", core.ResourceLLMTokens, 2, t0)

	restored := newTestTracker(t, 0)
	if err := restored.Restore(tr.Snapshot()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	// Identical subsequent behaviour: denied now, admitted once the window rolls.
	now := t0.Add(30 * time.Second)
	_, errA := tr.Reserve("alice", core.ResourceLLMTokens, 1, now)
	_, errB := restored.Reserve("alice", core.ResourceLLMTokens, 1, now)
	if core.CodeOf(errA) != core.CodeTooFast || core.CodeOf(errB) != core.CodeTooFast {
		t.Fatalf("want both TOO_FAST, got %v / %v", errA, errB)
	}
	if core.RetryAfterOf(errA) != core.RetryAfterOf(errB) {
		t.Errorf("retry hints differ: %v vs %v", core.RetryAfterOf(errA), core.RetryAfterOf(errB))
	}
	if _, err := restored.Reserve("alice", core.ResourceLLMTokens, 1, t0.Add(time.Minute)); err != nil {
		t.Errorf("restored tracker after roll: %v", err)
	}
}

func TestTracker_Cancel(t *testing.T) {
	tr := newTestTracker(t, 0)
	tr.SetAllocation("alice", core.ResourceLLMTokens, 2)

	r, err := tr.Reserve("alice", core.ResourceLLMTokens, 2, t0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	tr.Cancel(r)
	if got := tr.Usage("alice", core.ResourceLLMTokens, t0); got != 0 {
		t.Errorf("usage after cancel = %d", got)
	}
	if _, err := tr.Reserve("alice", core.ResourceLLMTokens, 2, t0); err != nil {
		t.Errorf("cancelled capacity should be admitted again: %v", err)
	}
}
