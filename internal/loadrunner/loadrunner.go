// Package loadrunner is the top-level scheduler: it parses test-plan
// strings, staggers virtual-client starts across time, and hands each
// one to the harness responsible for its scenario kind. Grounded on
// aplt/runner.py's LoadRunner class.
package loadrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mozilla-services/autopush-loadtester/internal/engine"
	"github.com/mozilla-services/autopush-loadtester/internal/harness"
)

// Registry resolves a test-plan's "module:function" token to the scenario
// body and retry policy that implements it.
type Registry interface {
	Lookup(modFunc string) (engine.ProcSpec, bool)
}

// Config wires a LoadRunner to its collaborators. Harnesses is keyed by
// the exact "module:function" token a test-plan clause names; the ""
// entry, if present, is used for any clause with no more specific match.
type Config struct {
	Registry  Registry
	Harnesses map[string]*harness.Harness
	Logger    *zap.Logger
}

// LoadRunner schedules and tracks every virtual client spawned from one
// or more test-plan strings, across every harness it was configured
// with.
type LoadRunner struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu         sync.Mutex
	processors int
	nextID     int
}

// New builds a LoadRunner bound to ctx; cancelling ctx (or calling
// Shutdown) stops scheduling further starts and cancels in-flight ones.
func New(ctx context.Context, cfg Config) *LoadRunner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	return &LoadRunner{cfg: cfg, ctx: groupCtx, cancel: cancel, group: group}
}

// SetRegistry wires the scenario catalog in after construction, for the
// common case where the registry has no other reason to exist before
// the LoadRunner that will look scenarios up in it.
func (lr *LoadRunner) SetRegistry(r Registry) {
	lr.cfg.Registry = r
}

// SetHarnesses wires the per-scenario-kind harnesses in after
// construction. This two-step wiring exists because a Harness needs a
// Spawner (this LoadRunner) and the LoadRunner needs its Harnesses —
// app.Build breaks the cycle by constructing the LoadRunner first.
func (lr *LoadRunner) SetHarnesses(h map[string]*harness.Harness) {
	lr.cfg.Harnesses = h
}

// Run parses testPlan and schedules every clause's virtual clients.
// Parse errors are returned synchronously and nothing is scheduled.
func (lr *LoadRunner) Run(testPlan string) error {
	entries, err := ParseTestPlan(testPlan)
	if err != nil {
		return err
	}
	for _, e := range entries {
		lr.schedule(e)
	}
	return nil
}

// Spawn implements harness.Spawner: a scenario's spawn command delegates
// back here to launch additional virtual clients mid-run.
func (lr *LoadRunner) Spawn(testPlan string) error {
	return lr.Run(testPlan)
}

func (lr *LoadRunner) schedule(e Entry) {
	spec, ok := lr.cfg.Registry.Lookup(e.ModFunc)
	if !ok {
		lr.cfg.Logger.Error("loadrunner: unknown scenario", zap.String("mod_func", e.ModFunc))
		return
	}
	h := lr.harnessFor(e.ModFunc)
	if h == nil {
		lr.cfg.Logger.Error("loadrunner: no harness configured for scenario", zap.String("mod_func", e.ModFunc))
		return
	}

	base := time.Duration(e.Delay * float64(time.Second))

	// stagger is a launch rate in launches/second, not a per-client delay:
	// quantity drivers launch over quantity/stagger one-second ticks,
	// stagger per tick, and quantity mod stagger is dropped. A
	// non-positive stagger means "no rate limit", launching everyone in
	// a single tick.
	rate := int(e.Stagger)
	ticks, batch := 1, e.Quantity
	if rate > 0 {
		ticks, batch = e.Quantity/rate, rate
	}
	if dropped := e.Quantity - ticks*batch; dropped > 0 {
		lr.cfg.Logger.Warn("loadrunner: stagger does not evenly divide quantity, dropping remainder",
			zap.String("mod_func", e.ModFunc), zap.Int("quantity", e.Quantity),
			zap.Int("stagger", rate), zap.Int("dropped", dropped))
	}

	for tick := 0; tick < ticks; tick++ {
		start := base + time.Duration(tick)*time.Second
		for i := 0; i < batch; i++ {
			id := lr.nextDriverID(e.ModFunc)
			lr.addProcessor()
			lr.group.Go(func() error {
				if err := lr.sleep(start); err != nil {
					lr.removeProcessor()
					return nil
				}
				d := engine.New(id, h, lr.cfg.Logger, spec, e.Args)
				h.Drive(lr.ctx, d)
				lr.removeProcessor()
				return nil
			})
		}
	}
}

func (lr *LoadRunner) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-lr.ctx.Done():
		return lr.ctx.Err()
	}
}

func (lr *LoadRunner) harnessFor(modFunc string) *harness.Harness {
	if h, ok := lr.cfg.Harnesses[modFunc]; ok {
		return h
	}
	return lr.cfg.Harnesses[""]
}

func (lr *LoadRunner) nextDriverID(modFunc string) string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.nextID++
	return fmt.Sprintf("%s-%d", modFunc, lr.nextID)
}

func (lr *LoadRunner) addProcessor() {
	lr.mu.Lock()
	lr.processors++
	lr.mu.Unlock()
}

func (lr *LoadRunner) removeProcessor() {
	lr.mu.Lock()
	lr.processors--
	lr.mu.Unlock()
}

// Finished reports whether every scheduled virtual client has completed.
// Clamped at zero rather than compared with equality: a driver that gets
// counted as removed twice (once on normal completion, once on an
// exhausted-retry path racing the same teardown) must never leave this
// permanently stuck above zero or flip it negative and wrap around.
func (lr *LoadRunner) Finished() bool {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.processors <= 0
}

// Shutdown cancels all scheduling and in-flight virtual clients and
// waits for them to unwind, bounded by ctx.
func (lr *LoadRunner) Shutdown(ctx context.Context) error {
	lr.cancel()
	doneCh := make(chan error, 1)
	go func() { doneCh <- lr.group.Wait() }()
	select {
	case err := <-doneCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
