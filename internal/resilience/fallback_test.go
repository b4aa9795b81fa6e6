package resilience_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/irbis-voice/irbis/internal/metrics"
	"github.com/irbis-voice/irbis/internal/resilience"
)

// backend is a minimal fake with per-instance failure wiring.
type backend struct {
	err   error
	calls int
}

func call(b *backend) error {
	b.calls++
	return b.err
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	t.Parallel()

	primary := &backend{}
	backup := &backend{}
	g := resilience.NewFallbackGroup(primary, "primary", resilience.FallbackConfig{})
	g.AddFallback("backup", backup)

	if err := g.Execute(call); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if primary.calls != 1 || backup.calls != 0 {
		t.Errorf("calls = %d/%d, want primary only", primary.calls, backup.calls)
	}
}

func TestFallbackGroup_FailsOverOnError(t *testing.T) {
	t.Parallel()

	col := metrics.New(metrics.Config{})
	primary := &backend{err: errBackend}
	backup := &backend{}
	g := resilience.NewFallbackGroup(primary, "primary", resilience.FallbackConfig{Collector: col})
	g.AddFallback("backup", backup)

	if err := g.Execute(call); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, backup.calls)
	}
	if got := col.Components()["resilience"]["failovers"]; got != 1 {
		t.Errorf("failovers = %v, want 1", got)
	}
}

func TestFallbackGroup_OpenBreakerSkipsEntry(t *testing.T) {
	t.Parallel()

	col := metrics.New(metrics.Config{})
	primary := &backend{err: errBackend}
	backup := &backend{}
	g := resilience.NewFallbackGroup(primary, "primary", resilience.FallbackConfig{
		Breaker:   resilience.BreakerConfig{MaxFailures: 1},
		Collector: col,
	})
	g.AddFallback("backup", backup)

	// First call trips the primary's breaker and lands on the backup.
	if err := g.Execute(call); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	// Second call must skip the primary without touching the backend.
	if err := g.Execute(call); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary.calls = %d, want 1 (open breaker must not forward)", primary.calls)
	}
	if backup.calls != 2 {
		t.Errorf("backup.calls = %d, want 2", backup.calls)
	}
	comps := col.Components()["resilience"]
	if got := comps["breaker_skips"]; got != 1 {
		t.Errorf("breaker_skips = %v, want 1", got)
	}
	if got := comps["failovers"]; got != 2 {
		t.Errorf("failovers = %v, want 2", got)
	}
}

func TestFallbackGroup_Exhausted(t *testing.T) {
	t.Parallel()

	col := metrics.New(metrics.Config{})
	g := resilience.NewFallbackGroup(&backend{err: errBackend}, "primary",
		resilience.FallbackConfig{Collector: col})
	g.AddFallback("backup", &backend{err: errBackend})

	err := g.Execute(call)
	if !errors.Is(err, resilience.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if got := col.Components()["resilience"]["exhausted"]; got != 1 {
		t.Errorf("exhausted = %v, want 1", got)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()

	g := resilience.NewFallbackGroup(&backend{}, "primary", resilience.FallbackConfig{})
	g.AddFallback("backup", &backend{})
	g.AddFallback("last-resort", &backend{})

	want := []string{"primary", "backup", "last-resort"}
	if got := g.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestExecuteWithResult_ReturnsServingValue(t *testing.T) {
	t.Parallel()

	primary := &backend{err: errBackend}
	backup := &backend{}
	g := resilience.NewFallbackGroup(primary, "primary", resilience.FallbackConfig{})
	g.AddFallback("backup", backup)

	got, err := resilience.ExecuteWithResult(g, func(b *backend) (string, error) {
		if b == backup {
			return "from backup", b.err
		}
		return "from primary", b.err
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "from backup" {
		t.Errorf("result = %q, want the fallback's value", got)
	}
}
