// Package engine implements the ScenarioDriver: the per-virtual-client
// control loop that steps a scenario.Proc through its yielded commands,
// correlates transport events back to the command that is awaiting them,
// buffers out-of-band notifications, and applies the retry/restart policy
// on uncaught scenario errors. Modeled on aplt/client.py's
// CommandProcessor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla-services/autopush-loadtester/internal/command"
	"github.com/mozilla-services/autopush-loadtester/internal/scenario"
	"github.com/mozilla-services/autopush-loadtester/internal/transport"
)

// Transport is everything a Driver needs from its owning Harness. Harness
// implements this; tests substitute a fake.
type Transport interface {
	Connect(d *Driver)
	Disconnect(d *Driver)
	SendNotification(d *Driver, url string, data []byte, ttl int, claims command.VapidClaims, resultCh chan<- transport.NotifyResult)
	Spawn(testPlan string) error
	RecordTiming(name string, elapsed time.Duration)
	RecordCounter(name string, count int64)
}

// ProcSpec pairs a scenario body with its retry budget. Retries == -1
// means no @restart-style policy was declared: the driver makes exactly
// one attempt and terminates on the first uncaught error. Retries == 0
// means unlimited retries (spec's resolved "(c) retry=0" design note).
// Retries > 0 means that many additional attempts after the first.
type ProcSpec struct {
	Proc    scenario.Proc
	Retries int
}

// frame is one entry in the driver's explicit scenario stack.
type frame struct {
	h *scenario.Handle
}

// Driver is a ScenarioDriver: one cooperative control loop per virtual
// client, never running more than one command at a time.
type Driver struct {
	id      string
	logger  *zap.Logger
	harness Transport
	spec    ProcSpec
	args    scenario.Args

	ctx    context.Context
	cancel context.CancelFunc

	frames          []*frame
	lastCommandKind command.Kind

	connected bool
	conn      transport.Conn

	notifications []command.Event
	timers        map[string]time.Time

	currentTry int

	inboxMu sync.Mutex
	inbox   []command.Event
	wake    chan struct{}

	terminated bool
}

// New constructs a Driver. Run must be called to actually step it.
func New(id string, harness Transport, logger *zap.Logger, spec ProcSpec, args scenario.Args) *Driver {
	return &Driver{
		id:      id,
		harness: harness,
		logger:  logger.With(zap.String("driver_id", id)),
		spec:    spec,
		args:    args,
		timers:  make(map[string]time.Time),
		wake:    make(chan struct{}, 1),
	}
}

// ID returns the driver's correlation identifier.
func (d *Driver) ID() string { return d.id }

// Context returns the driver's run context, cancelled when Run returns.
// Used by the harness to stop retrying a dial once the driver it would
// serve is gone.
func (d *Driver) Context() context.Context { return d.ctx }

// Conn returns the currently attached connection, or nil when the
// driver isn't connected. Used by Harness to close the socket on an
// explicit disconnect command.
func (d *Driver) Conn() transport.Conn { return d.conn }

// Attach pairs an opened WebSocket connection with this driver and
// synthesizes the connect event the scenario is waiting for. Called by
// the Harness's connect-pairing queue.
func (d *Driver) Attach(conn transport.Conn) {
	d.conn = conn
	d.connected = true
	d.Deliver(command.Event{Kind: command.EventConnect})
}

// Detach clears the attached connection without emitting an event; the
// caller delivers the disconnect event separately via Deliver.
func (d *Driver) Detach() {
	d.conn = nil
	d.connected = false
}

// Deliver enqueues an inbound transport event for this driver. Safe to
// call from any goroutine; never blocks.
func (d *Driver) Deliver(ev command.Event) {
	d.inboxMu.Lock()
	d.inbox = append(d.inbox, ev)
	d.inboxMu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Driver) drainInbox() []command.Event {
	d.inboxMu.Lock()
	defer d.inboxMu.Unlock()
	if len(d.inbox) == 0 {
		return nil
	}
	out := d.inbox
	d.inbox = nil
	return out
}

// Run drives the scenario to completion or termination. It returns once
// the driver has given up (normal finish, retry budget exhausted, or run
// context cancelled).
func (d *Driver) Run(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	d.startFreshScenario()

	for {
		ended, err := d.step()
		if err != nil {
			if !d.handleScenarioError(err) {
				break
			}
			continue
		}
		if ended {
			break
		}
	}
}

func (d *Driver) startFreshScenario() {
	root := scenario.Start(d.ctx, d.spec.Proc, d.args)
	d.frames = []*frame{{h: root}}
}

// step advances the top-of-stack proc by exactly one suspension point.
// ended is true only when the root proc has finished without error.
func (d *Driver) step() (ended bool, err error) {
	top := d.frames[len(d.frames)-1]
	s, ok := top.h.Next()
	if !ok {
		procErr := <-top.h.Done
		if procErr != nil {
			// Any uncaught error anywhere in the stack — not just the
			// root — goes straight to the retry/restart policy.
			return false, procErr
		}
		if len(d.frames) == 1 {
			return true, nil
		}
		d.frames = d.frames[:len(d.frames)-1]
		parent := d.frames[len(d.frames)-1]
		parent.h.Resume(nil)
		return false, nil
	}

	if s.Nested != nil {
		child := scenario.Start(d.ctx, s.Nested.Proc, s.Nested.Args)
		d.frames = append(d.frames, &frame{h: child})
		return false, nil
	}

	cmd, ok := s.Cmd.(command.Command)
	if !ok {
		top.h.Throw(fmt.Errorf("engine: scenario yielded non-command value %#v", s.Cmd))
		return false, nil
	}
	d.lastCommandKind = cmd.Kind

	result, cmdErr := d.dispatch(cmd)
	if cmdErr != nil {
		top.h.Throw(cmdErr)
	} else {
		top.h.Resume(result)
	}
	return false, nil
}

// handleScenarioError applies the detach-then-close, discard-buffered-
// state, retry-or-terminate policy. It returns true if the driver
// should keep running with a fresh scenario.
func (d *Driver) handleScenarioError(scenarioErr error) bool {
	d.currentTry++
	d.logger.Error("scenario error",
		zap.Error(scenarioErr),
		zap.String("last_command", string(d.lastCommandKind)),
		zap.Int("try", d.currentTry),
		zap.Int("retry_budget", d.spec.Retries),
	)

	if d.connected {
		conn := d.conn
		d.Detach() // detach before close so the close races nothing
		if conn != nil {
			_ = conn.Close()
		}
	}
	d.notifications = nil
	d.timers = make(map[string]time.Time)
	d.drainInbox()

	var retry bool
	switch {
	case d.ctx.Err() != nil:
		// The run context is gone: the scenario is abandoned whatever
		// its retry budget.
		retry = false
	case d.spec.Retries == 0:
		retry = true
	case d.spec.Retries < 0:
		retry = false
	default:
		retry = d.currentTry <= d.spec.Retries
	}

	if !retry {
		d.terminated = true
		return false
	}
	d.startFreshScenario()
	return true
}

func (d *Driver) dispatch(cmd command.Command) (interface{}, error) {
	switch cmd.Kind {
	case command.KindConnect:
		return d.cmdConnect()
	case command.KindDisconnect:
		return d.cmdDisconnect()
	case command.KindHello:
		return d.cmdHello(cmd.Hello)
	case command.KindRegister:
		return d.cmdRegister(cmd.Register)
	case command.KindUnregister:
		return d.cmdUnregister(cmd.Unregister)
	case command.KindSendNotification:
		return d.cmdSendNotification(cmd.SendNotification)
	case command.KindExpectNotification:
		return d.cmdExpectNotification(cmd.ExpectNotif)
	case command.KindExpectNotifications:
		return d.cmdExpectNotifications(cmd.ExpectNotifs)
	case command.KindAck:
		return d.cmdAck(cmd.Ack)
	case command.KindWait:
		return d.cmdWait(cmd.Wait)
	case command.KindTimerStart:
		return d.cmdTimerStart(cmd.TimerStart)
	case command.KindTimerEnd:
		return d.cmdTimerEnd(cmd.TimerEnd)
	case command.KindCounter:
		return d.cmdCounter(cmd.Counter)
	case command.KindSpawn:
		return d.cmdSpawn(cmd.Spawn)
	default:
		return nil, command.ErrUnknownKind{Kind: cmd.Kind}
	}
}

func (d *Driver) protocolMismatch(ev command.Event) error {
	return fmt.Errorf("engine: unexpected event %q while awaiting %q", ev.Kind, d.lastCommandKind)
}

// awaitEvent blocks until an inbound event matches, a protocol mismatch
// occurs, the context is cancelled, or timeout fires (nil timeout blocks
// forever). Notification events are always buffered rather than treated
// as a mismatch, since they may arrive unsolicited at any time.
func (d *Driver) awaitEvent(match func(command.Event) bool, timeout <-chan time.Time) (command.Event, error, bool) {
	for {
		for _, ev := range d.drainInbox() {
			if ev.Kind == command.EventNotification {
				d.notifications = append(d.notifications, ev)
				continue
			}
			if match(ev) {
				return ev, nil, false
			}
			return command.Event{}, d.protocolMismatch(ev), false
		}
		select {
		case <-d.ctx.Done():
			return command.Event{}, context.Canceled, false
		case <-d.wake:
			continue
		case <-timeout:
			return command.Event{}, nil, true
		}
	}
}

func (d *Driver) awaitKind(kind command.EventKind) (command.Event, error) {
	ev, err, _ := d.awaitEvent(func(e command.Event) bool { return e.Kind == kind }, nil)
	return ev, err
}

func (d *Driver) cmdConnect() (interface{}, error) {
	if d.connected {
		return nil, errors.New("engine: connect while already connected")
	}
	d.harness.Connect(d)
	ev, err := d.awaitKind(command.EventConnect)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (d *Driver) cmdDisconnect() (interface{}, error) {
	if !d.connected {
		return nil, errors.New("engine: disconnect while not connected")
	}
	d.harness.Disconnect(d)
	ev, err := d.awaitKind(command.EventDisconnect)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (d *Driver) cmdHello(p *command.HelloPayload) (interface{}, error) {
	frame := map[string]interface{}{"messageType": "hello"}
	if p.UAID != nil {
		frame["uaid"] = *p.UAID
	}
	if err := d.sendJSON(frame); err != nil {
		return nil, err
	}
	ev, err := d.awaitKind(command.EventHello)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (d *Driver) cmdRegister(p *command.RegisterPayload) (interface{}, error) {
	frame := map[string]interface{}{"messageType": "register", "channelID": p.ChannelID}
	if p.Key != nil {
		frame["key"] = p.Key
	}
	if err := d.sendJSON(frame); err != nil {
		return nil, err
	}
	ev, err := d.awaitKind(command.EventRegister)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (d *Driver) cmdUnregister(p *command.UnregisterPayload) (interface{}, error) {
	frame := map[string]interface{}{"messageType": "unregister", "channelID": p.ChannelID}
	if err := d.sendJSON(frame); err != nil {
		return nil, err
	}
	ev, err := d.awaitKind(command.EventUnregister)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (d *Driver) cmdAck(p *command.AckPayload) (interface{}, error) {
	frame := map[string]interface{}{
		"messageType": "ack",
		"updates": []map[string]interface{}{
			{"channelID": p.ChannelID, "version": p.Version},
		},
	}
	// Fire-and-forget: the protocol defines no ack reply to wait for.
	return nil, d.sendJSON(frame)
}

func (d *Driver) sendJSON(v interface{}) error {
	if !d.connected || d.conn == nil {
		return errors.New("engine: no attached connection")
	}
	return d.conn.SendJSON(v)
}

func (d *Driver) cmdSendNotification(p *command.SendNotificationPayload) (interface{}, error) {
	resultCh := make(chan transport.NotifyResult, 1)
	d.harness.SendNotification(d, p.EndpointURL, p.Data, p.TTL, p.Claims, resultCh)
	for {
		select {
		case <-d.ctx.Done():
			return nil, context.Canceled
		case res := <-resultCh:
			return res, nil
		case <-d.wake:
			if err := d.drainNotificationsOnly(); err != nil {
				return nil, err
			}
		}
	}
}

// drainNotificationsOnly consumes the inbox, buffering notification
// events and treating anything else as a protocol mismatch. Used while
// awaiting something that is not itself correlated by event kind
// (send_notification's HTTP result, wait's timer).
func (d *Driver) drainNotificationsOnly() error {
	for _, ev := range d.drainInbox() {
		if ev.Kind != command.EventNotification {
			return d.protocolMismatch(ev)
		}
		d.notifications = append(d.notifications, ev)
	}
	return nil
}

func (d *Driver) takeBuffered(match func(command.Event) bool) (command.Event, bool) {
	for i, ev := range d.notifications {
		if match(ev) {
			d.notifications = append(d.notifications[:i], d.notifications[i+1:]...)
			return ev, true
		}
	}
	return command.Event{}, false
}

func (d *Driver) cmdExpectNotification(p *command.ExpectNotificationPayload) (interface{}, error) {
	match := func(e command.Event) bool { return e.ChannelID == p.ChannelID }
	if ev, ok := d.takeBuffered(match); ok {
		return ev, nil
	}
	timeout := time.NewTimer(secondsToDuration(p.Time))
	defer timeout.Stop()
	for {
		if err := d.drainNotificationsOnly(); err != nil {
			return nil, err
		}
		if ev, ok := d.takeBuffered(match); ok {
			return ev, nil
		}
		select {
		case <-d.ctx.Done():
			return nil, context.Canceled
		case <-d.wake:
			continue
		case <-timeout.C:
			return nil, nil
		}
	}
}

func (d *Driver) cmdExpectNotifications(p *command.ExpectNotificationsPayload) (interface{}, error) {
	match := func(e command.Event) bool { _, ok := p.ChannelIDs[e.ChannelID]; return ok }
	if ev, ok := d.takeBuffered(match); ok {
		return ev, nil
	}
	timeout := time.NewTimer(secondsToDuration(p.Time))
	defer timeout.Stop()
	for {
		if err := d.drainNotificationsOnly(); err != nil {
			return nil, err
		}
		if ev, ok := d.takeBuffered(match); ok {
			return ev, nil
		}
		select {
		case <-d.ctx.Done():
			return nil, context.Canceled
		case <-d.wake:
			continue
		case <-timeout.C:
			return nil, nil
		}
	}
}

func (d *Driver) cmdWait(p *command.WaitPayload) (interface{}, error) {
	timeout := time.NewTimer(secondsToDuration(p.Time))
	defer timeout.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return nil, context.Canceled
		case <-timeout.C:
			return nil, nil
		case <-d.wake:
			if err := d.drainNotificationsOnly(); err != nil {
				return nil, err
			}
		}
	}
}

func (d *Driver) cmdTimerStart(p *command.TimerStartPayload) (interface{}, error) {
	d.timers[p.Name] = time.Now()
	return nil, nil
}

func (d *Driver) cmdTimerEnd(p *command.TimerEndPayload) (interface{}, error) {
	started, ok := d.timers[p.Name]
	if !ok {
		return nil, fmt.Errorf("engine: timer_end %q without matching timer_start", p.Name)
	}
	delete(d.timers, p.Name)
	elapsed := time.Since(started)
	d.harness.RecordTiming(p.Name, elapsed)
	return elapsed, nil
}

func (d *Driver) cmdCounter(p *command.CounterPayload) (interface{}, error) {
	d.harness.RecordCounter(p.Name, p.Count)
	return nil, nil
}

func (d *Driver) cmdSpawn(p *command.SpawnPayload) (interface{}, error) {
	return nil, d.harness.Spawn(p.TestPlan)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
