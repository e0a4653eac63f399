// Package harness implements the per-scenario-kind transport owner: it
// holds the WebSocket URL/Origin/TLS policy and shared HTTP notifier for
// one kind of scenario, runs each of its ScenarioDrivers, and pairs
// completed dials against the oldest outstanding connect request rather
// than the driver that triggered the dial.
package harness

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla-services/autopush-loadtester/internal/command"
	"github.com/mozilla-services/autopush-loadtester/internal/engine"
	"github.com/mozilla-services/autopush-loadtester/internal/metricsink"
	"github.com/mozilla-services/autopush-loadtester/internal/transport"
)

// Spawner delegates additional test-plan entries to the owning
// LoadRunner. It's an interface rather than a direct dependency so
// loadrunner can depend on harness without a cycle back.
type Spawner interface {
	Spawn(testPlan string) error
}

// Config bundles the transport settings and collaborators shared by
// every driver one Harness manages.
type Config struct {
	WSURL     string
	Origin    string
	TLSPolicy transport.TLSPolicy
	Notifier  *transport.Notifier
	Sink      metricsink.Sink
	Spawner   Spawner
	Logger    *zap.Logger
}

// Harness owns the connect-pairing queue and active-driver accounting
// for one scenario kind.
type Harness struct {
	cfg Config

	mu      sync.Mutex
	waiters []*engine.Driver
	active  map[string]*engine.Driver
}

// New builds a Harness from cfg. Sink and Logger default to safe
// zero-value behavior (Noop, no-op logger) when left unset.
func New(cfg Config) *Harness {
	if cfg.Sink == nil {
		cfg.Sink = metricsink.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Harness{cfg: cfg, active: make(map[string]*engine.Driver)}
}

// Drive registers d as active and runs it to completion. Intended to be
// called as `go h.Drive(ctx, d)` by the LoadRunner that created d.
func (h *Harness) Drive(ctx context.Context, d *engine.Driver) {
	h.mu.Lock()
	h.active[d.ID()] = d
	h.mu.Unlock()

	d.Run(ctx)

	h.mu.Lock()
	delete(h.active, d.ID())
	h.mu.Unlock()
}

// ActiveDrivers reports how many drivers this harness is still running.
func (h *Harness) ActiveDrivers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Connect enqueues d as awaiting a connection and kicks off a dial. The
// socket that eventually completes is paired with whichever driver is
// then at the head of the queue — not necessarily d.
func (h *Harness) Connect(d *engine.Driver) {
	h.mu.Lock()
	h.waiters = append(h.waiters, d)
	h.mu.Unlock()
	go h.dialAndPair()
}

// dialAndPair dials until it either succeeds and can pair the socket
// with the driver then at the head of the queue, or runs out of waiters
// to serve. A failed dial never reaches a queued driver as an error: as
// long as someone is still waiting, it's a replacement dial away, paced
// by backoff so an unreachable server doesn't spin the retry loop.
func (h *Harness) dialAndPair() {
	backoff := transport.DefaultBackoff()
	for {
		conn, err := transport.Dial(context.Background(), h.cfg.WSURL, h.cfg.Origin, h.cfg.TLSPolicy, h.cfg.Logger)
		if err == nil {
			target := h.popWaiter()
			if target == nil {
				_ = conn.Close()
			} else {
				conn.Start(&driverHandler{driver: target})
				target.Attach(conn)
			}
			return
		}

		waitCtx := h.peekWaiterContext()
		if waitCtx == nil {
			return
		}
		wait := backoff.Duration()
		h.cfg.Logger.Warn("harness: dial failed, retrying while a waiter remains",
			zap.Error(err), zap.Int("attempt", backoff.Attempt()), zap.Duration("wait", wait))
		select {
		case <-waitCtx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (h *Harness) popWaiter() *engine.Driver {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.waiters) == 0 {
		return nil
	}
	d := h.waiters[0]
	h.waiters = h.waiters[1:]
	return d
}

// peekWaiterContext returns the run context of the driver at the head
// of the queue without popping it, or nil when no one is waiting.
func (h *Harness) peekWaiterContext() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.waiters) == 0 {
		return nil
	}
	return h.waiters[0].Context()
}

// Disconnect closes d's attached connection. The resulting close is
// observed asynchronously by driverHandler.OnClose, which detaches d and
// delivers the disconnect event the driver is awaiting.
func (h *Harness) Disconnect(d *engine.Driver) {
	if conn := d.Conn(); conn != nil {
		_ = conn.Close()
	}
}

// SendNotification posts via the shared Notifier on its own goroutine
// and delivers the result without blocking the caller.
func (h *Harness) SendNotification(d *engine.Driver, url string, data []byte, ttl int, claims command.VapidClaims, resultCh chan<- transport.NotifyResult) {
	go func() {
		resultCh <- h.cfg.Notifier.Send(context.Background(), url, data, ttl, claims)
	}()
}

func (h *Harness) Spawn(testPlan string) error {
	if h.cfg.Spawner == nil {
		return errors.New("harness: no spawner configured")
	}
	return h.cfg.Spawner.Spawn(testPlan)
}

func (h *Harness) RecordTiming(name string, elapsed time.Duration) {
	h.cfg.Sink.Timing(name, elapsed)
}

func (h *Harness) RecordCounter(name string, count int64) {
	h.cfg.Sink.Increment(name, count)
}

// driverHandler adapts transport.Handler to one driver's event inbox.
type driverHandler struct {
	driver *engine.Driver
}

func (dh *driverHandler) OnMessage(frame map[string]interface{}) {
	ev, err := decodeFrame(frame)
	if err != nil {
		dh.driver.Deliver(command.Event{Kind: command.EventError, Err: err})
		return
	}
	dh.driver.Deliver(ev)
}

func (dh *driverHandler) OnClose(wasClean bool, code int, reason string) {
	dh.driver.Detach()
	dh.driver.Deliver(command.Event{Kind: command.EventDisconnect, WasClean: wasClean, Code: code, Reason: reason})
}

func decodeFrame(frame map[string]interface{}) (command.Event, error) {
	kind, _ := frame["messageType"].(string)
	switch command.EventKind(kind) {
	case command.EventHello:
		ev := command.Event{Kind: command.EventHello}
		if uaid, ok := frame["uaid"].(string); ok {
			ev.UAID = &uaid
		}
		return ev, nil
	case command.EventRegister:
		channelID, _ := frame["channelID"].(string)
		endpoint, _ := frame["pushEndpoint"].(string)
		return command.Event{Kind: command.EventRegister, ChannelID: channelID, PushEndpoint: endpoint}, nil
	case command.EventUnregister:
		channelID, _ := frame["channelID"].(string)
		return command.Event{Kind: command.EventUnregister, ChannelID: channelID}, nil
	case command.EventNotification:
		return decodeNotification(frame)
	default:
		return command.Event{}, fmt.Errorf("harness: unrecognized frame messageType %q", kind)
	}
}

func decodeNotification(frame map[string]interface{}) (command.Event, error) {
	channelID, _ := frame["channelID"].(string)
	var version int64
	switch v := frame["version"].(type) {
	case float64:
		version = int64(v)
	case int64:
		version = v
	}
	var data []byte
	if encoded, ok := frame["data"].(string); ok && encoded != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return command.Event{}, fmt.Errorf("harness: decode notification data: %w", err)
		}
		data = decoded
	}
	return command.Event{Kind: command.EventNotification, ChannelID: channelID, Version: version, Data: data}, nil
}
