package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteDeadline    = 10 * time.Second
)

// Handler receives decoded frames and the close notification for one
// WSClient. Implemented by the Harness, which routes both to the paired
// driver.
type Handler interface {
	OnMessage(frame map[string]interface{})
	OnClose(wasClean bool, code int, reason string)
}

// WSClient is one virtual client's WebSocket connection to the push
// server's control channel. It dials once and does not reconnect
// itself — ScenarioDriver decides when to issue a fresh connect
// command, and Harness.Connect calls Dial again.
type WSClient struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex
	done    chan struct{}
}

// Dial opens a WebSocket connection with the fixed Origin header the push
// server's handshake expects. The read pump is not started until Start is
// called, so the caller can decide which Handler owns this connection
// after the (possibly slow) handshake has already completed — this is
// what lets Harness pair a finished dial against whichever driver is
// head of its connect queue at that moment, rather than whoever asked
// for the dial.
func Dial(ctx context.Context, url, origin string, policy TLSPolicy, logger *zap.Logger) (*WSClient, error) {
	tlsCfg, err := policy.Config()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Origin", origin)

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	return &WSClient{conn: conn, logger: logger, done: make(chan struct{})}, nil
}

// Start begins delivering decoded frames to h. Call exactly once, after
// the caller has decided who owns this connection.
func (c *WSClient) Start(h Handler) {
	go c.readPump(h)
}

func (c *WSClient) readPump(h Handler) {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			wasClean, code, reason := classifyClose(err)
			h.OnClose(wasClean, code, reason)
			return
		}
		var frame map[string]interface{}
		if jsonErr := json.Unmarshal(msg, &frame); jsonErr != nil {
			c.logger.Warn("invalid frame from push server", zap.Error(jsonErr))
			continue
		}
		h.OnMessage(frame)
	}
}

// SendJSON writes v as a single JSON text frame. Safe for concurrent use.
func (c *WSClient) SendJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return c.conn.WriteJSON(v)
}

// Close sends a normal-closure control frame and tears down the
// connection, blocking until the read pump has observed the close.
func (c *WSClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func classifyClose(err error) (wasClean bool, code int, reason string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway, ce.Code, ce.Text
	}
	return false, 0, err.Error()
}
