package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/matchpoint-live/voice-signal-relay/internal/auth"
	"github.com/matchpoint-live/voice-signal-relay/internal/config"
	"github.com/matchpoint-live/voice-signal-relay/internal/metrics"
	"github.com/matchpoint-live/voice-signal-relay/internal/origin"
	"github.com/matchpoint-live/voice-signal-relay/internal/protocol"
	"github.com/matchpoint-live/voice-signal-relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// WSServer implements GET /signal, the room signaling WebSocket.
//
// Each connection must open with a join frame (within the auth timeout), after
// which the relay forwards offer/answer/ice-candidate frames between room
// members until the socket closes or the client sends leave.
type WSServer struct {
	cfg      config.Config
	registry *Registry
	verifier *auth.Verifier
	log      *slog.Logger
	metrics  *metrics.Metrics

	upgrader websocket.Upgrader
}

func NewWSServer(cfg config.Config, registry *Registry, m *metrics.Metrics, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var verifier *auth.Verifier
	if cfg.AuthMode == config.AuthModeToken {
		verifier = auth.NewVerifier(cfg.JoinTokenSecret)
	}

	// Callers constructing config.Config literals (tests) get the same
	// fallbacks config.Load would enforce.
	if cfg.SignalingAuthTimeout <= 0 {
		cfg.SignalingAuthTimeout = config.DefaultSignalingAuthTimeout
	}
	if cfg.SignalingWSIdleTimeout <= 0 {
		cfg.SignalingWSIdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.SignalingWSPingInterval <= 0 {
		cfg.SignalingWSPingInterval = config.DefaultSignalingWSPingInterval
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		cfg.MaxSignalingMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	srv := &WSServer{
		cfg:      cfg,
		registry: registry,
		verifier: verifier,
		log:      logger,
		metrics:  m,
		upgrader: websocket.Upgrader{},
	}
	srv.upgrader.CheckOrigin = srv.checkOrigin
	return srv
}

func (s *WSServer) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		// Non-browser clients (the CLI, tests) send no Origin.
		return true
	}
	normalized, originHost, ok := origin.Normalize(originHeader)
	if !ok {
		return false
	}
	return origin.Allowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins)
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &wsSession{
		srv:  s,
		conn: conn,

		remoteAddr:  r.RemoteAddr,
		authTimeout: s.cfg.SignalingAuthTimeout,
		idleTimeout: s.cfg.SignalingWSIdleTimeout,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxSignalingMessagesPerSecond),
			int64(s.cfg.MaxSignalingMessagesPerSecond),
		),
	}
	sess.run()
}

// wsSession is the per-connection read loop plus the serialized write path
// that Registry fan-out uses.
type wsSession struct {
	srv  *WSServer
	conn *websocket.Conn

	remoteAddr  string
	authTimeout time.Duration
	idleTimeout time.Duration
	limiter     *ratelimit.TokenBucket

	roomID   string
	clientID string

	writeMu   sync.Mutex
	closeOnce sync.Once
	pingStop  chan struct{}
}

func (wss *wsSession) run() {
	defer wss.Close()

	wss.conn.SetReadLimit(wss.srv.cfg.MaxSignalingMessageBytes)

	// The join frame must arrive within the auth timeout; idle unauthenticated
	// sockets are not kept around.
	_ = wss.conn.SetReadDeadline(time.Now().Add(wss.authTimeout))

	joined := false
	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if !joined && isTimeout(err) {
				wss.srv.metrics.Inc(metrics.AuthFailure)
				wss.closeWith(websocket.ClosePolicyViolation, "join timeout")
			}
			return
		}
		// Consume queued bytes before enforcing the rate limit so the close
		// frame reaches the client instead of being lost to an RST.
		if wss.limiter != nil && !wss.limiter.Allow(1) {
			wss.srv.metrics.Inc(metrics.DropReasonRateLimited)
			wss.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			// Unparseable frames are dropped, not fatal: one garbled message
			// must not tear down an established call's signaling channel.
			wss.srv.metrics.Inc(metrics.DropReasonBadMessage)
			if !joined {
				wss.srv.metrics.Inc(metrics.AuthFailure)
				wss.fail("bad_message", "expected join message", websocket.ClosePolicyViolation, "bad message")
				return
			}
			continue
		}

		if !joined {
			if msg.Type != protocol.MessageTypeJoin {
				wss.srv.metrics.Inc(metrics.AuthFailure)
				wss.fail("not_joined", "join required before signaling", websocket.ClosePolicyViolation, "join required")
				return
			}
			if !wss.handleJoin(msg) {
				return
			}
			joined = true
			_ = wss.conn.SetReadDeadline(time.Now().Add(wss.idleTimeout))
			wss.startKeepalive()
			continue
		}

		_ = wss.conn.SetReadDeadline(time.Now().Add(wss.idleTimeout))

		switch {
		case msg.Type == protocol.MessageTypeJoin:
			wss.fail("unexpected_message", "already joined", websocket.ClosePolicyViolation, "unexpected message")
			return
		case msg.Type == protocol.MessageTypeLeave:
			wss.leaveAndAnnounce()
			wss.closeWith(websocket.CloseNormalClosure, "left room")
			return
		case msg.Relayable():
			wss.relay(msg)
		default:
			// peer-joined/peer-left/error are relay-to-client only.
			wss.srv.metrics.Inc(metrics.DropReasonBadMessage)
		}
	}
}

// handleJoin authenticates the join frame and registers the session in its
// room. Returns false when the connection must be torn down.
func (wss *wsSession) handleJoin(msg protocol.Message) bool {
	clientID := msg.ClientID

	if wss.srv.verifier != nil {
		if msg.Token == "" {
			wss.srv.metrics.Inc(metrics.AuthFailure)
			wss.fail("unauthorized", "join token required", websocket.ClosePolicyViolation, "unauthorized")
			return false
		}
		claims, err := wss.srv.verifier.Verify(msg.Token)
		if err != nil {
			wss.srv.metrics.Inc(metrics.AuthFailure)
			reason := "invalid join token"
			if errors.Is(err, auth.ErrExpiredToken) {
				reason = "expired join token"
			}
			wss.fail("unauthorized", reason, websocket.ClosePolicyViolation, "unauthorized")
			return false
		}
		if claims.Room != msg.RoomID {
			wss.srv.metrics.Inc(metrics.AuthFailure)
			wss.fail("unauthorized", "join token is for a different room", websocket.ClosePolicyViolation, "unauthorized")
			return false
		}
		// The token binds the identity; a conflicting clientId in the frame is
		// rejected rather than silently overridden.
		if clientID != "" && clientID != claims.ClientID {
			wss.srv.metrics.Inc(metrics.AuthFailure)
			wss.fail("unauthorized", "clientId does not match join token", websocket.ClosePolicyViolation, "unauthorized")
			return false
		}
		clientID = claims.ClientID
	} else if clientID == "" {
		clientID = uuid.NewString()
	}

	existing, superseded, err := wss.srv.registry.Join(msg.RoomID, clientID, wss)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			wss.fail("room_full", "room is full", websocket.ClosePolicyViolation, "room full")
		} else {
			wss.fail("internal_error", "failed to join room", websocket.CloseInternalServerErr, "internal error")
		}
		return false
	}

	wss.roomID = msg.RoomID
	wss.clientID = clientID

	wss.srv.log.Info("client_joined",
		"room_id", wss.roomID,
		"client_id", wss.clientID,
		"peers", len(existing),
		"remote_addr", wss.remoteAddr,
	)

	// Existing members learn about the newcomer and initiate offers toward it.
	// The joiner itself receives nothing; its first inbound frame is an offer.
	// A rejoin that replaced an older connection is not news to the room, so
	// it is not re-announced.
	if !superseded {
		wss.srv.registry.Broadcast(wss.roomID, wss.clientID, protocol.Message{
			Type:     protocol.MessageTypePeerJoined,
			RoomID:   wss.roomID,
			ClientID: wss.clientID,
		})
	}
	return true
}

func (wss *wsSession) relay(msg protocol.Message) {
	if msg.RoomID != wss.roomID {
		wss.srv.metrics.Inc(metrics.DropReasonNotJoined)
		return
	}

	msg.From = wss.clientID
	msg.ClientID = ""
	msg.Token = ""

	switch msg.Type {
	case protocol.MessageTypeOffer:
		wss.srv.metrics.Inc(metrics.RelayedOffer)
	case protocol.MessageTypeAnswer:
		wss.srv.metrics.Inc(metrics.RelayedAnswer)
	case protocol.MessageTypeICECandidate:
		wss.srv.metrics.Inc(metrics.RelayedICE)
	}

	if msg.To != "" {
		if err := wss.srv.registry.SendTo(wss.roomID, msg.To, msg); err != nil {
			// The addressee may have just left; signaling toward it is moot.
			wss.srv.log.Debug("relay_drop_no_peer",
				"room_id", wss.roomID,
				"from", wss.clientID,
				"to", msg.To,
				"type", string(msg.Type),
			)
		}
		return
	}
	wss.srv.registry.Broadcast(wss.roomID, wss.clientID, msg)
}

// leaveAndAnnounce removes this session from its room and fans out peer-left.
// Safe to call multiple times; only the first removal announces.
func (wss *wsSession) leaveAndAnnounce() {
	if wss.roomID == "" {
		return
	}
	if !wss.srv.registry.Leave(wss.roomID, wss.clientID, wss) {
		return
	}
	wss.srv.log.Info("client_left", "room_id", wss.roomID, "client_id", wss.clientID)
	wss.srv.registry.Broadcast(wss.roomID, wss.clientID, protocol.Message{
		Type:     protocol.MessageTypePeerLeft,
		RoomID:   wss.roomID,
		ClientID: wss.clientID,
	})
}

// startKeepalive pings on an interval and extends the read deadline on pong,
// so NATs keep the mapping alive and dead peers are detected within the idle
// timeout even on an otherwise silent connection.
func (wss *wsSession) startKeepalive() {
	wss.pingStop = make(chan struct{})
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(wss.idleTimeout))
	})
	go func() {
		t := time.NewTicker(wss.srv.cfg.SignalingWSPingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				wss.writeMu.Lock()
				err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				wss.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-wss.pingStop:
				return
			}
		}
	}()
}

// Send implements Peer. It is called by the registry from other sessions'
// read loops, hence the write mutex.
func (wss *wsSession) Send(msg protocol.Message) error {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteJSON(msg)
}

// Kick implements Peer.
func (wss *wsSession) Kick(code, reason string) {
	wss.fail(code, reason, websocket.ClosePolicyViolation, reason)
	wss.Close()
}

func (wss *wsSession) fail(code, reason string, closeCode int, closeReason string) {
	_ = wss.Send(protocol.Message{
		Type:   protocol.MessageTypeError,
		Code:   code,
		Reason: reason,
	})
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		if wss.pingStop != nil {
			close(wss.pingStop)
		}
		wss.leaveAndAnnounce()
		_ = wss.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
