// Package command defines the tagged vocabulary of commands a scenario may
// yield and the events a transport may deliver back to the engine. The
// package carries no logic beyond construction and kind discrimination.
package command

import "fmt"

// Kind discriminates the tagged Command union.
type Kind string

const (
	KindConnect              Kind = "connect"
	KindDisconnect           Kind = "disconnect"
	KindHello                Kind = "hello"
	KindRegister             Kind = "register"
	KindUnregister           Kind = "unregister"
	KindSendNotification     Kind = "send_notification"
	KindExpectNotification   Kind = "expect_notification"
	KindExpectNotifications  Kind = "expect_notifications"
	KindAck                  Kind = "ack"
	KindWait                 Kind = "wait"
	KindTimerStart           Kind = "timer_start"
	KindTimerEnd             Kind = "timer_end"
	KindCounter              Kind = "counter"
	KindSpawn                Kind = "spawn"
)

// ErrUnknownKind is returned when a Command carries a Kind the engine does
// not recognize.
type ErrUnknownKind struct {
	Kind Kind
}

func (e ErrUnknownKind) Error() string {
	return fmt.Sprintf("command: unknown kind %q", e.Kind)
}

// Command is a tagged record yielded by a scenario. Exactly the payload
// field matching Kind is populated; every other payload field is nil/zero.
// Optional fields within a payload use pointers so absence is explicit.
type Command struct {
	Kind Kind

	Hello             *HelloPayload
	Register          *RegisterPayload
	Unregister        *UnregisterPayload
	SendNotification  *SendNotificationPayload
	ExpectNotif       *ExpectNotificationPayload
	ExpectNotifs      *ExpectNotificationsPayload
	Ack               *AckPayload
	Wait              *WaitPayload
	TimerStart        *TimerStartPayload
	TimerEnd          *TimerEndPayload
	Counter           *CounterPayload
	Spawn             *SpawnPayload
}

// HelloPayload carries the optional UAID to present on handshake.
type HelloPayload struct {
	UAID *string
}

// RegisterPayload requests a new push subscription.
type RegisterPayload struct {
	ChannelID string
	Key       []byte // optional restricted-push public key, nil when absent
}

// UnregisterPayload drops a subscription.
type UnregisterPayload struct {
	ChannelID string
}

// VapidClaims carries optional VAPID JWT claims for a notification send.
type VapidClaims map[string]interface{}

// SendNotificationPayload posts a notification via HTTP.
type SendNotificationPayload struct {
	EndpointURL string
	Data        []byte // nil when the notification carries no payload
	TTL         int
	Claims      VapidClaims // nil when the scenario supplies no claims
}

// ExpectNotificationPayload waits up to Time seconds for a single
// channel's notification.
type ExpectNotificationPayload struct {
	ChannelID string
	Time      float64
}

// ExpectNotificationsPayload waits up to Time seconds for any one
// notification among ChannelIDs.
type ExpectNotificationsPayload struct {
	ChannelIDs map[string]struct{}
	Time       float64
}

// AckPayload acknowledges delivery of one message version.
type AckPayload struct {
	ChannelID string
	Version   int64
}

// WaitPayload suspends the scenario for Time seconds.
type WaitPayload struct {
	Time float64
}

// TimerStartPayload opens a named metric timing bracket.
type TimerStartPayload struct {
	Name string
}

// TimerEndPayload closes a named metric timing bracket.
type TimerEndPayload struct {
	Name string
}

// CounterPayload increments a named metric counter.
type CounterPayload struct {
	Name  string
	Count int64
}

// SpawnPayload launches additional scenarios via a test-plan string.
type SpawnPayload struct {
	TestPlan string
}

// Constructors. Each mirrors a namedtuple constructor in aplt/commands.py.

func Connect() Command    { return Command{Kind: KindConnect} }
func Disconnect() Command { return Command{Kind: KindDisconnect} }

func Hello(uaid *string) Command {
	return Command{Kind: KindHello, Hello: &HelloPayload{UAID: uaid}}
}

func Register(channelID string, key []byte) Command {
	return Command{Kind: KindRegister, Register: &RegisterPayload{ChannelID: channelID, Key: key}}
}

func Unregister(channelID string) Command {
	return Command{Kind: KindUnregister, Unregister: &UnregisterPayload{ChannelID: channelID}}
}

func SendNotification(endpointURL string, data []byte, ttl int, claims VapidClaims) Command {
	return Command{Kind: KindSendNotification, SendNotification: &SendNotificationPayload{
		EndpointURL: endpointURL, Data: data, TTL: ttl, Claims: claims,
	}}
}

func ExpectNotification(channelID string, seconds float64) Command {
	return Command{Kind: KindExpectNotification, ExpectNotif: &ExpectNotificationPayload{
		ChannelID: channelID, Time: seconds,
	}}
}

func ExpectNotifications(channelIDs []string, seconds float64) Command {
	set := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		set[id] = struct{}{}
	}
	return Command{Kind: KindExpectNotifications, ExpectNotifs: &ExpectNotificationsPayload{
		ChannelIDs: set, Time: seconds,
	}}
}

func Ack(channelID string, version int64) Command {
	return Command{Kind: KindAck, Ack: &AckPayload{ChannelID: channelID, Version: version}}
}

func Wait(seconds float64) Command {
	return Command{Kind: KindWait, Wait: &WaitPayload{Time: seconds}}
}

func TimerStart(name string) Command {
	return Command{Kind: KindTimerStart, TimerStart: &TimerStartPayload{Name: name}}
}

func TimerEnd(name string) Command {
	return Command{Kind: KindTimerEnd, TimerEnd: &TimerEndPayload{Name: name}}
}

func Counter(name string, count int64) Command {
	return Command{Kind: KindCounter, Counter: &CounterPayload{Name: name, Count: count}}
}

func Spawn(testPlan string) Command {
	return Command{Kind: KindSpawn, Spawn: &SpawnPayload{TestPlan: testPlan}}
}

// EventKind discriminates the tagged Event union delivered by a transport.
type EventKind string

const (
	EventConnect      EventKind = "connect"
	EventDisconnect   EventKind = "disconnect"
	EventError        EventKind = "error"
	EventHello        EventKind = "hello"
	EventNotification EventKind = "notification"
	EventRegister     EventKind = "register"
	EventUnregister   EventKind = "unregister"
)

// Event is an inbound record from a transport.
type Event struct {
	Kind EventKind

	// connect carries no fields.

	// disconnect
	WasClean bool
	Code     int
	Reason   string

	// error
	Err error

	// hello
	UAID *string

	// notification
	ChannelID string
	Version   int64
	Data      []byte

	// register
	PushEndpoint string

	// unregister fields reuse ChannelID above.
}
