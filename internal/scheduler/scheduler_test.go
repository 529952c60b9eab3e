package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("interval=0 应报错")
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s, err := New(Options{Interval: 20 * time.Millisecond, RunOnStart: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			// 失败的 tick 不应中断循环
			if ticks.Add(1) == 2 {
				return errors.New("boom")
			}
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run 应以 context.Canceled 结束, 实际 %v", err)
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestStartupDelayHonoursCancellation(t *testing.T) {
	s, _ := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("startup delay 期间不应触发")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNextTickAligned(t *testing.T) {
	s, _ := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 2, 1, 10, 15, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("aligned next tick = %s", got)
	}
	if got := s.tickStart(time.Date(2026, 2, 1, 11, 0, 0, 5, time.UTC)); !got.Equal(time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("tickStart = %s", got)
	}
}
