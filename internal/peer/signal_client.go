package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matchpoint-live/voice-signal-relay/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	maxReconnectBackoff = 30 * time.Second
)

// ErrSignalingFailed is surfaced through onDown once reconnection attempts
// are exhausted; the manager treats it as terminal.
var ErrSignalingFailed = errors.New("signaling connection failed")

// signalClient owns the WebSocket to the relay: dialing, the read loop, ping
// keepalive, and reconnection with capped exponential backoff. Every
// successful (re)connect replays the join frame before anything else, since
// the relay requires join-first.
type signalClient struct {
	url         string
	dialer      *websocket.Dialer
	log         *slog.Logger
	joinFrame   func() protocol.Message
	handle      func(protocol.Message)
	onDown      func(error)
	maxAttempts int
	backoff     time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	pingStop chan struct{}
	closed   bool
}

func newSignalClient(url string, dialer *websocket.Dialer, log *slog.Logger, joinFrame func() protocol.Message, handle func(protocol.Message), onDown func(error), maxAttempts int, backoff time.Duration) *signalClient {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &signalClient{
		url:         url,
		dialer:      dialer,
		log:         log,
		joinFrame:   joinFrame,
		handle:      handle,
		onDown:      onDown,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Connect dials the relay, sends the join frame and starts the read loop.
func (c *signalClient) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}
	c.adopt(conn)
	go c.readPump(conn)
	return nil
}

func (c *signalClient) dial() (*websocket.Conn, error) {
	conn, resp, err := c.dialer.Dial(c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := c.writeTo(conn, c.joinFrame()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}
	return conn, nil
}

// adopt swaps the active connection and restarts the keepalive ticker.
func (c *signalClient) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pingStop != nil {
		close(c.pingStop)
	}
	c.conn = conn
	c.pingStop = make(chan struct{})
	go c.keepalive(conn, c.pingStop)
}

func (c *signalClient) keepalive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *signalClient) readPump(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.maybeReconnect(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			c.log.Warn("dropping unparseable signaling frame", "err", err)
			continue
		}
		c.handle(msg)
	}
}

// maybeReconnect re-dials with exponential backoff after an unexpected read
// failure. The whole join handshake is replayed on each attempt; exhausting
// the attempts surfaces a terminal error.
func (c *signalClient) maybeReconnect(cause error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.onDown(nil)
		return
	}

	c.log.Warn("signaling connection lost", "err", cause)

	delay := c.backoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		time.Sleep(delay)
		if delay *= 2; delay > maxReconnectBackoff {
			delay = maxReconnectBackoff
		}

		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		conn, err := c.dial()
		if err != nil {
			c.log.Warn("signaling reconnect failed", "attempt", attempt, "err", err)
			continue
		}
		c.log.Info("signaling reconnected", "attempt", attempt)
		c.adopt(conn)
		go c.readPump(conn)
		return
	}

	c.onDown(fmt.Errorf("%w: %d attempts: %v", ErrSignalingFailed, c.maxAttempts, cause))
}

// Send writes one frame under the write mutex with a deadline.
func (c *signalClient) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return errors.New("signaling connection not open")
	}
	return c.writeTo(c.conn, msg)
}

func (c *signalClient) writeTo(conn *websocket.Conn, msg protocol.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// Close stops reconnection and tears down the socket with a normal close
// frame. Safe to call more than once.
func (c *signalClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}
