// Package scenariolib is the built-in catalog of scenario.Proc bodies,
// modeled on aplt/scenarios.py's handful of named test scenarios. Each
// proc is registered under a "scenariolib:<name>" token a test-plan
// clause can name.
package scenariolib

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mozilla-services/autopush-loadtester/internal/command"
	"github.com/mozilla-services/autopush-loadtester/internal/engine"
	"github.com/mozilla-services/autopush-loadtester/internal/scenario"
	"github.com/mozilla-services/autopush-loadtester/internal/transport"
)

// Registry is the built-in catalog, satisfying loadrunner.Registry.
type Registry struct {
	specs map[string]engine.ProcSpec
}

// New builds the catalog with every scenario below registered under
// "scenariolib:<name>".
func New() Registry {
	return Registry{specs: map[string]engine.ProcSpec{
		"scenariolib:basic":              {Proc: basic, Retries: -1},
		"scenariolib:expect_timeout":     {Proc: expectTimeout, Retries: -1},
		"scenariolib:retry_demo":         {Proc: retryDemo, Retries: 2},
		"scenariolib:spawn_fanout":       {Proc: spawnFanout, Retries: -1},
		"scenariolib:bad_endpoint":       {Proc: badEndpoint, Retries: -1},
		"scenariolib:reconnect_forever":  {Proc: reconnectForever, Retries: 0},
		"scenariolib:notification_storm": {Proc: notificationStorm, Retries: -1},
	}}
}

// Lookup implements loadrunner.Registry.
func (r Registry) Lookup(modFunc string) (engine.ProcSpec, bool) {
	spec, ok := r.specs[modFunc]
	return spec, ok
}

// basic runs the textbook connect/hello/register/notify/unregister/
// disconnect cycle every other scenario in this file is a variation on.
func basic(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
	if _, err := y.Do(command.Connect()); err != nil {
		return err
	}
	if _, err := y.Do(command.Hello(nil)); err != nil {
		return err
	}

	channelID := uuid.New().String()
	if _, err := y.Do(command.Register(channelID, nil)); err != nil {
		return err
	}

	if _, err := y.Do(command.TimerStart("notification_roundtrip")); err != nil {
		return err
	}

	endpoint := args.StringAt(0, "")
	if endpoint != "" {
		if _, err := y.Do(command.SendNotification(endpoint, []byte("hello"), 60, nil)); err != nil {
			return err
		}
		result, err := y.Do(command.ExpectNotification(channelID, 10))
		if err != nil {
			return err
		}
		if ev, ok := result.(command.Event); ok && ev.Kind == command.EventNotification {
			if _, err := y.Do(command.Ack(channelID, ev.Version)); err != nil {
				return err
			}
		}
	}

	if _, err := y.Do(command.TimerEnd("notification_roundtrip")); err != nil {
		return err
	}
	if _, err := y.Do(command.Counter("basic.completed", 1)); err != nil {
		return err
	}

	if _, err := y.Do(command.Unregister(channelID)); err != nil {
		return err
	}
	if _, err := y.Do(command.Disconnect()); err != nil {
		return err
	}
	return nil
}

// expectTimeout registers a channel and waits for a notification that
// never arrives, exercising the expect_notification timeout path: the
// driver resumes with a nil event rather than an error.
func expectTimeout(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
	if _, err := y.Do(command.Connect()); err != nil {
		return err
	}
	if _, err := y.Do(command.Hello(nil)); err != nil {
		return err
	}
	channelID := uuid.New().String()
	if _, err := y.Do(command.Register(channelID, nil)); err != nil {
		return err
	}

	waitSeconds := float64(args.IntAt(0, 2))
	result, err := y.Do(command.ExpectNotification(channelID, waitSeconds))
	if err != nil {
		return err
	}
	if result != nil {
		return fmt.Errorf("scenariolib: expect_timeout unexpectedly received a notification")
	}
	if _, err := y.Do(command.Counter("expect_timeout.completed", 1)); err != nil {
		return err
	}
	_, err = y.Do(command.Disconnect())
	return err
}

// retryDemo deliberately fails on every odd-numbered attempt, counted
// across all drivers in the process, exercising the Retries budget (2):
// a lone driver fails its first attempt and succeeds on its first retry.
var retryDemoAttempts int64

func retryDemo(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
	attempt := atomic.AddInt64(&retryDemoAttempts, 1)
	if _, err := y.Do(command.Connect()); err != nil {
		return err
	}
	if attempt%2 == 1 {
		return fmt.Errorf("scenariolib: retry_demo simulated failure on attempt %d", attempt)
	}
	if _, err := y.Do(command.Hello(nil)); err != nil {
		return err
	}
	if _, err := y.Do(command.Counter("retry_demo.completed", 1)); err != nil {
		return err
	}
	_, err := y.Do(command.Disconnect())
	return err
}

// spawnFanout connects once and then asks the harness to launch a
// handful of basic scenarios on its own behalf, exercising the spawn
// command's delegation back to the load runner.
func spawnFanout(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
	if _, err := y.Do(command.Connect()); err != nil {
		return err
	}
	if _, err := y.Do(command.Hello(nil)); err != nil {
		return err
	}
	fanout := args.IntAt(0, 3)
	if _, err := y.Do(command.Spawn(fmt.Sprintf("scenariolib:basic, %d, 0, 0", fanout))); err != nil {
		return err
	}
	_, err := y.Do(command.Disconnect())
	return err
}

// badEndpoint sends a notification to a deliberately unreachable
// endpoint and records, in the counter name, whether the HTTP failure
// surfaced as a NotifyResult with a non-nil Err; a failed send is not
// a scenario error, matching
// runner.py:send_notification's "log and continue" failure handling.
func badEndpoint(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
	if _, err := y.Do(command.Connect()); err != nil {
		return err
	}
	if _, err := y.Do(command.Hello(nil)); err != nil {
		return err
	}
	result, err := y.Do(command.SendNotification("https://127.0.0.1.invalid/push", nil, 60, nil))
	if err != nil {
		return err
	}
	nr, _ := result.(transport.NotifyResult)
	if _, err := y.Do(command.Counter(fmt.Sprintf("bad_endpoint.failed.%v", nr.Err != nil), 1)); err != nil {
		return err
	}
	_, err = y.Do(command.Disconnect())
	return err
}

// reconnectForever loops connect/hello/disconnect indefinitely, relying
// on its Retries == 0 (infinite) policy to keep the load profile steady
// across transient connection failures for the lifetime of the run.
func reconnectForever(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
	for {
		if _, err := y.Do(command.Connect()); err != nil {
			return err
		}
		if _, err := y.Do(command.Hello(nil)); err != nil {
			return err
		}
		if _, err := y.Do(command.Counter("reconnect_forever.cycle", 1)); err != nil {
			return err
		}
		if _, err := y.Do(command.Wait(1)); err != nil {
			return err
		}
		if _, err := y.Do(command.Disconnect()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// notificationStorm registers several channels and waits on all of them
// at once via expect_notifications, exercising the any-of-N match path.
func notificationStorm(ctx context.Context, y *scenario.Yield, args scenario.Args) error {
	if _, err := y.Do(command.Connect()); err != nil {
		return err
	}
	if _, err := y.Do(command.Hello(nil)); err != nil {
		return err
	}

	count := args.IntAt(0, 3)
	channelIDs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		channelID := uuid.New().String()
		if _, err := y.Do(command.Register(channelID, nil)); err != nil {
			return err
		}
		channelIDs = append(channelIDs, channelID)
	}

	for range channelIDs {
		if _, err := y.Do(command.ExpectNotifications(channelIDs, 5)); err != nil {
			return err
		}
	}
	if _, err := y.Do(command.Counter("notification_storm.completed", 1)); err != nil {
		return err
	}
	_, err := y.Do(command.Disconnect())
	return err
}
