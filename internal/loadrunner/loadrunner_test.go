package loadrunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla-services/autopush-loadtester/internal/command"
	"github.com/mozilla-services/autopush-loadtester/internal/engine"
	"github.com/mozilla-services/autopush-loadtester/internal/harness"
	"github.com/mozilla-services/autopush-loadtester/internal/scenario"
)

type fakeRegistry struct {
	specs map[string]engine.ProcSpec
}

func (r fakeRegistry) Lookup(modFunc string) (engine.ProcSpec, bool) {
	s, ok := r.specs[modFunc]
	return s, ok
}

func TestLoadRunnerSchedulesAndCompletes(t *testing.T) {
	var mu sync.Mutex
	ran := 0

	proc := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		_, err := y.Do(command.Counter("ran", 1))
		if err != nil {
			return err
		}
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	}

	h := harness.New(harness.Config{Logger: zap.NewNop()})
	lr := New(context.Background(), Config{
		Registry:  fakeRegistry{specs: map[string]engine.ProcSpec{"scenariolib:basic": {Proc: proc, Retries: -1}}},
		Harnesses: map[string]*harness.Harness{"": h},
		Logger:    zap.NewNop(),
	})

	if err := lr.Run("scenariolib:basic, 4, 0, 0"); err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !lr.Finished() {
		select {
		case <-deadline:
			t.Fatal("load runner never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	got := ran
	mu.Unlock()
	if got != 4 {
		t.Fatalf("expected 4 completed drivers, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := lr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestLoadRunnerStaggerDropsRemainder(t *testing.T) {
	var mu sync.Mutex
	ran := 0

	proc := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	}

	h := harness.New(harness.Config{Logger: zap.NewNop()})
	lr := New(context.Background(), Config{
		Registry:  fakeRegistry{specs: map[string]engine.ProcSpec{"scenariolib:basic": {Proc: proc, Retries: -1}}},
		Harnesses: map[string]*harness.Harness{"": h},
		Logger:    zap.NewNop(),
	})

	// quantity=7, stagger=5: one tick of 5 launches, 2 dropped.
	if err := lr.Run("scenariolib:basic, 7, 5, 0"); err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !lr.Finished() {
		select {
		case <-deadline:
			t.Fatal("load runner never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	got := ran
	mu.Unlock()
	if got != 5 {
		t.Fatalf("expected 5 completed drivers (2 dropped), got %d", got)
	}
}

func TestLoadRunnerUnknownScenarioIsSkippedNotFatal(t *testing.T) {
	h := harness.New(harness.Config{Logger: zap.NewNop()})
	lr := New(context.Background(), Config{
		Registry:  fakeRegistry{specs: map[string]engine.ProcSpec{}},
		Harnesses: map[string]*harness.Harness{"": h},
		Logger:    zap.NewNop(),
	})
	if err := lr.Run("scenariolib:nonexistent, 1, 0, 0"); err != nil {
		t.Fatalf("run should not fail on an unknown scenario, only log and skip: %v", err)
	}
	if !lr.Finished() {
		t.Fatal("expected no work to have been scheduled")
	}
}

func TestLoadRunnerRejectsUnparsableTestPlan(t *testing.T) {
	h := harness.New(harness.Config{Logger: zap.NewNop()})
	lr := New(context.Background(), Config{
		Registry:  fakeRegistry{specs: map[string]engine.ProcSpec{}},
		Harnesses: map[string]*harness.Harness{"": h},
	})
	if err := lr.Run("not a valid test plan"); err == nil {
		t.Fatal("expected a parse error")
	}
}
