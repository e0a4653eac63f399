package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla-services/autopush-loadtester/internal/command"
	"github.com/mozilla-services/autopush-loadtester/internal/scenario"
	"github.com/mozilla-services/autopush-loadtester/internal/transport"
)

// fakeConn answers hello/register/unregister frames synchronously by
// delivering the matching event straight back into the owning driver,
// standing in for a real WebSocket round trip.
type fakeConn struct {
	mu     sync.Mutex
	sent   []map[string]interface{}
	driver *Driver
	closed bool
}

func (c *fakeConn) SendJSON(v interface{}) error {
	c.mu.Lock()
	frame, _ := v.(map[string]interface{})
	c.sent = append(c.sent, frame)
	c.mu.Unlock()

	switch frame["messageType"] {
	case "hello":
		c.driver.Deliver(command.Event{Kind: command.EventHello})
	case "register":
		c.driver.Deliver(command.Event{
			Kind:         command.EventRegister,
			ChannelID:    frame["channelID"].(string),
			PushEndpoint: "https://push.example/ep",
		})
	case "unregister":
		c.driver.Deliver(command.Event{Kind: command.EventUnregister, ChannelID: frame["channelID"].(string)})
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// fakeHarness implements Transport with synchronous, in-process behavior.
type fakeHarness struct {
	mu          sync.Mutex
	timings     map[string]time.Duration
	counters    map[string]int64
	spawnCalls  []string
	spawnErr    error
	notifyStub  func(url string) transport.NotifyResult
	connectFail bool
}

func newFakeHarness() *fakeHarness {
	return &fakeHarness{timings: map[string]time.Duration{}, counters: map[string]int64{}}
}

func (h *fakeHarness) Connect(d *Driver) {
	if h.connectFail {
		return // never attaches; driver hangs until ctx cancellation in test
	}
	conn := &fakeConn{driver: d}
	d.Attach(conn)
}

func (h *fakeHarness) Disconnect(d *Driver) {
	conn, _ := d.conn.(*fakeConn)
	d.Detach()
	if conn != nil {
		_ = conn.Close()
	}
	d.Deliver(command.Event{Kind: command.EventDisconnect, WasClean: true})
}

func (h *fakeHarness) SendNotification(d *Driver, url string, data []byte, ttl int, claims command.VapidClaims, resultCh chan<- transport.NotifyResult) {
	res := transport.NotifyResult{StatusCode: 201}
	if h.notifyStub != nil {
		res = h.notifyStub(url)
	}
	resultCh <- res
}

func (h *fakeHarness) Spawn(testPlan string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawnCalls = append(h.spawnCalls, testPlan)
	return h.spawnErr
}

func (h *fakeHarness) RecordTiming(name string, elapsed time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timings[name] = elapsed
}

func (h *fakeHarness) RecordCounter(name string, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters[name] += count
}

func testLogger() *zap.Logger { return zap.NewNop() }

func TestDriverBasicScenario(t *testing.T) {
	done := make(chan struct{})
	var gotEndpoint string

	proc := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		if _, err := y.Do(command.Connect()); err != nil {
			return err
		}
		if _, err := y.Do(command.Hello(nil)); err != nil {
			return err
		}
		v, err := y.Do(command.Register("chan-1", nil))
		if err != nil {
			return err
		}
		gotEndpoint = v.(command.Event).PushEndpoint
		if _, err := y.Do(command.TimerStart("rtt")); err != nil {
			return err
		}
		if _, err := y.Do(command.TimerEnd("rtt")); err != nil {
			return err
		}
		if _, err := y.Do(command.Unregister("chan-1")); err != nil {
			return err
		}
		if _, err := y.Do(command.Disconnect()); err != nil {
			return err
		}
		close(done)
		return nil
	}

	h := newFakeHarness()
	d := New("d1", h, testLogger(), ProcSpec{Proc: proc, Retries: -1}, scenario.Args{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() { d.Run(ctx); close(runDone) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scenario did not complete")
	}
	<-runDone

	if gotEndpoint != "https://push.example/ep" {
		t.Fatalf("unexpected push endpoint: %q", gotEndpoint)
	}
	if _, ok := h.timings["rtt"]; !ok {
		t.Fatal("expected rtt timing to be recorded")
	}
	if d.connected {
		t.Fatal("driver should be disconnected at the end")
	}
}

func TestDriverExpectNotificationBuffered(t *testing.T) {
	result := make(chan interface{}, 1)
	proc := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		v, err := y.Do(command.ExpectNotification("chan-1", 0.2))
		if err != nil {
			return err
		}
		result <- v
		return nil
	}

	h := newFakeHarness()
	d := New("d2", h, testLogger(), ProcSpec{Proc: proc, Retries: -1}, scenario.Args{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Deliver the notification shortly after Run starts, while
	// expect_notification is already waiting — it must be buffered and
	// then matched before the 0.2s timeout.
	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Deliver(command.Event{Kind: command.EventNotification, ChannelID: "chan-1", Version: 42})
	}()

	go d.Run(ctx)

	select {
	case v := <-result:
		ev := v.(command.Event)
		if ev.Version != 42 {
			t.Fatalf("unexpected version: %d", ev.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("expect_notification never resolved")
	}
}

func TestDriverExpectNotificationTimesOut(t *testing.T) {
	result := make(chan interface{}, 1)
	proc := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		v, err := y.Do(command.ExpectNotification("chan-1", 0.05))
		if err != nil {
			return err
		}
		result <- v
		return nil
	}
	h := newFakeHarness()
	d := New("d3", h, testLogger(), ProcSpec{Proc: proc, Retries: -1}, scenario.Args{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go d.Run(ctx)

	select {
	case v := <-result:
		if v != nil {
			t.Fatalf("expected nil resume value on timeout, got %#v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("expect_notification never timed out")
	}
}

func TestDriverRetryBudgetExhausted(t *testing.T) {
	var attempts int
	proc := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		attempts++
		return errTestScenario
	}
	h := newFakeHarness()
	d := New("d4", h, testLogger(), ProcSpec{Proc: proc, Retries: 2}, scenario.Args{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() { d.Run(ctx); close(runDone) }()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("driver did not terminate after exhausting retry budget")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 total attempts (1 + 2 retries), got %d", attempts)
	}
	if !d.terminated {
		t.Fatal("driver should be marked terminated")
	}
}

func TestDriverNoRetryPolicyTerminatesOnFirstError(t *testing.T) {
	var attempts int
	proc := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		attempts++
		return errTestScenario
	}
	h := newFakeHarness()
	d := New("d5", h, testLogger(), ProcSpec{Proc: proc, Retries: -1}, scenario.Args{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() { d.Run(ctx); close(runDone) }()
	<-runDone
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt with no retry policy, got %d", attempts)
	}
}

func TestDriverNestedScenario(t *testing.T) {
	var childRan bool
	child := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		childRan = true
		_, err := y.Do(command.Counter("child", 1))
		return err
	}
	parentDone := make(chan struct{})
	parent := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		if _, err := y.RunNested(child, scenario.Args{}); err != nil {
			return err
		}
		close(parentDone)
		return nil
	}

	h := newFakeHarness()
	d := New("d6", h, testLogger(), ProcSpec{Proc: parent, Retries: -1}, scenario.Args{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go d.Run(ctx)

	select {
	case <-parentDone:
	case <-time.After(time.Second):
		t.Fatal("parent scenario never resumed after nested completion")
	}
	if !childRan {
		t.Fatal("nested scenario never ran")
	}
	if h.counters["child"] != 1 {
		t.Fatal("nested scenario's command was never dispatched by the driver")
	}
}

func TestDriverSpawnDelegatesToHarness(t *testing.T) {
	proc := func(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
		_, err := y.Do(command.Spawn("scenariolib:basic, 5, 1, 0"))
		return err
	}
	h := newFakeHarness()
	d := New("d7", h, testLogger(), ProcSpec{Proc: proc, Retries: -1}, scenario.Args{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() { d.Run(ctx); close(runDone) }()
	<-runDone

	if len(h.spawnCalls) != 1 || h.spawnCalls[0] != "scenariolib:basic, 5, 1, 0" {
		t.Fatalf("unexpected spawn calls: %v", h.spawnCalls)
	}
}

var errTestScenario = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
