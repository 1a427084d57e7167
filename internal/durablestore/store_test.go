package durablestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxorio/carseeder/internal/carmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Path:          filepath.Join(dir, "cars.db"),
		BatchSize:     3,
		FlushInterval: 50 * time.Millisecond,
		InstanceID:    "test-instance",
	}
	s, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCar() carmodel.Car {
	return carmodel.Car{
		NormalizedMake:  "toyota",
		NormalizedModel: "camry",
		Year:            2020,
		Price:           21000,
		Location:        "austin-tx",
	}
}

func TestSaveCarFlushesOnBatchSize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.SaveCar(ctx, testCar()); err != nil {
			t.Fatalf("SaveCar() error = %v", err)
		}
	}

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("PendingCount() = %d, want 3", n)
	}
}

func TestSaveCarFlushesOnTimer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveCar(ctx, testCar()); err != nil {
		t.Fatalf("SaveCar() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := s.PendingCount(ctx)
		if err != nil {
			t.Fatalf("PendingCount() error = %v", err)
		}
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("record was not committed after the debounce timer should have fired")
}

func TestFlushPendingWritesForcesCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveCar(ctx, testCar()); err != nil {
		t.Fatalf("SaveCar() error = %v", err)
	}
	if err := s.FlushPendingWrites(ctx); err != nil {
		t.Fatalf("FlushPendingWrites() error = %v", err)
	}

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("PendingCount() = %d, want 1", n)
	}
}

func TestClaimPendingIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.SaveCar(ctx, testCar()); err != nil {
			t.Fatalf("SaveCar() error = %v", err)
		}
	}
	if err := s.FlushPendingWrites(ctx); err != nil {
		t.Fatalf("FlushPendingWrites() error = %v", err)
	}

	first, err := s.ClaimPending(ctx, 5, "instance-a")
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if len(first) != 5 {
		t.Fatalf("first claim = %d records, want 5", len(first))
	}

	second, err := s.ClaimPending(ctx, 5, "instance-b")
	if err != nil {
		t.Fatalf("ClaimPending() second error = %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim = %d records, want 0 (already claimed)", len(second))
	}
}

func TestMarkSentThenMarkPendingCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveCar(ctx, testCar()); err != nil {
		t.Fatalf("SaveCar() error = %v", err)
	}
	if err := s.FlushPendingWrites(ctx); err != nil {
		t.Fatalf("FlushPendingWrites() error = %v", err)
	}

	claimed, err := s.ClaimPending(ctx, 10, "instance-a")
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d, want 1", len(claimed))
	}

	id := claimed[0].ID
	if err := s.MarkSent(ctx, []string{id}, []string{"job-1"}); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	// MarkSent on an already-sent id must stay idempotent (testable property 7).
	if err := s.MarkSent(ctx, []string{id}, []string{"job-1"}); err != nil {
		t.Fatalf("MarkSent() repeat error = %v", err)
	}

	// MarkPending on a sent id must leave it Sent (no Sent -> Pending).
	if err := s.MarkPending(ctx, []string{id}); err != nil {
		t.Fatalf("MarkPending() on sent id error = %v", err)
	}

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("PendingCount() after sent = %d, want 0", n)
	}
}

func TestMarkPendingIncrementsRetryCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveCar(ctx, testCar()); err != nil {
		t.Fatalf("SaveCar() error = %v", err)
	}
	if err := s.FlushPendingWrites(ctx); err != nil {
		t.Fatalf("FlushPendingWrites() error = %v", err)
	}

	claimed, err := s.ClaimPending(ctx, 10, "instance-a")
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	id := claimed[0].ID

	if err := s.MarkPending(ctx, []string{id}); err != nil {
		t.Fatalf("MarkPending() error = %v", err)
	}

	reclaimed, err := s.ClaimPending(ctx, 10, "instance-b")
	if err != nil {
		t.Fatalf("ClaimPending() after revert error = %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed = %d, want 1", len(reclaimed))
	}
	if reclaimed[0].RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", reclaimed[0].RetryCount)
	}
}

func TestCleanupStaleClaimsRevertsOldRecovering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveCar(ctx, testCar()); err != nil {
		t.Fatalf("SaveCar() error = %v", err)
	}
	if err := s.FlushPendingWrites(ctx); err != nil {
		t.Fatalf("FlushPendingWrites() error = %v", err)
	}
	if _, err := s.ClaimPending(ctx, 10, "instance-a"); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}

	// A negative maxAge pushes the cutoff into the future, so every
	// currently-recovering claim is treated as stale regardless of timing.
	reverted, err := s.CleanupStaleClaims(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("CleanupStaleClaims() error = %v", err)
	}
	if reverted != 1 {
		t.Fatalf("reverted = %d, want 1", reverted)
	}

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("PendingCount() after cleanup = %d, want 1", n)
	}
}
