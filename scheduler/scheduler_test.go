package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	s := New(testLogger(), time.Second)
	if err := s.Schedule("every now and then", func(context.Context) error { return nil }); err == nil {
		t.Error("Schedule() accepted an invalid expression")
	}
	if !s.Next().IsZero() {
		t.Error("Next() non-zero without entries")
	}
}

func TestScheduleRunsJob(t *testing.T) {
	s := New(testLogger(), time.Second)

	var runs atomic.Int32
	err := s.Schedule("@every 1s", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		runs.Add(1)
		return errors.New("upstream down")
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	s.Start()
	if s.Next().IsZero() {
		t.Error("Next() is zero after Start")
	}
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if runs.Load() == 0 {
		t.Error("job never ran")
	}
}
