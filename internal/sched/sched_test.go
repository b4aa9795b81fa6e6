package sched_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irbis-voice/irbis/internal/sched"
)

func TestScheduleFires(t *testing.T) {
	t.Parallel()

	s := sched.New()
	fired := make(chan struct{})
	start := time.Now()
	id := s.Schedule("ping", 20*time.Millisecond, func() { close(fired) })
	if id == "" {
		t.Fatal("Schedule returned the zero handle")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("fired after %v, before the delay", elapsed)
	}
	if s.Cancel(id) {
		t.Error("Cancel after fire = true")
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d after fire, want 0", s.Pending())
	}
}

func TestFiresAtMostOnce(t *testing.T) {
	t.Parallel()

	s := sched.New()
	var count atomic.Int32
	s.Schedule("once", 5*time.Millisecond, func() { count.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("callback ran %d times, want 1", got)
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()

	s := sched.New()
	var fired atomic.Bool
	id := s.Schedule("never", time.Hour, func() { fired.Store(true) })

	if !s.Cancel(id) {
		t.Error("first Cancel = false")
	}
	if s.Cancel(id) {
		t.Error("second Cancel = true")
	}
	if s.Cancel(sched.ID("no-such-timer")) {
		t.Error("Cancel of unknown handle = true")
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d, want 0", s.Pending())
	}
	if fired.Load() {
		t.Error("cancelled timer fired")
	}
}

func TestCallbackPanicRecovered(t *testing.T) {
	t.Parallel()

	s := sched.New()
	started := make(chan struct{})
	s.Schedule("boom", 5*time.Millisecond, func() {
		close(started)
		panic("handler bug")
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking callback never ran")
	}

	// The scheduler stays usable afterwards.
	fired := make(chan struct{})
	s.Schedule("after", 5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler dead after a callback panic")
	}
}

func TestShutdownCancelsPending(t *testing.T) {
	t.Parallel()

	s := sched.New()
	var fired atomic.Int32
	for i := 0; i < 3; i++ {
		s.Schedule("pending", time.Hour, func() { fired.Add(1) })
	}
	if !s.Alive() {
		t.Error("scheduler not alive before shutdown")
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Alive() {
		t.Error("scheduler alive after shutdown")
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d after shutdown, want 0", s.Pending())
	}
	if fired.Load() != 0 {
		t.Errorf("%d cancelled timers fired", fired.Load())
	}
	if id := s.Schedule("late", time.Millisecond, func() { fired.Add(1) }); id != "" {
		t.Error("Schedule after shutdown returned a live handle")
	}
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("timer scheduled after shutdown fired")
	}
}

func TestShutdownWaitsForRunningCallback(t *testing.T) {
	t.Parallel()

	s := sched.New()
	started := make(chan struct{})
	var finished atomic.Bool
	s.Schedule("slow", time.Millisecond, func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})

	<-started
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !finished.Load() {
		t.Error("Shutdown returned before the running callback finished")
	}
}

func TestShutdownHonorsContext(t *testing.T) {
	t.Parallel()

	s := sched.New()
	started := make(chan struct{})
	release := make(chan struct{})
	s.Schedule("stuck", time.Millisecond, func() {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); err == nil {
		t.Error("Shutdown returned nil while a callback was stuck")
	}
	close(release)
}

func TestConcurrentScheduleAndCancel(t *testing.T) {
	t.Parallel()

	s := sched.New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := s.Schedule("churn", time.Hour, func() {})
				s.Cancel(id)
			}
		}()
	}
	wg.Wait()

	if s.Pending() != 0 {
		t.Errorf("pending = %d after churn, want 0", s.Pending())
	}
}
