// Package peer is the client-side half of the signaling protocol: it keeps
// one PeerConnection per remote room member, drives offer/answer/candidate
// exchange through the relay, and recovers from ICE failures by restarting
// and, as a last resort, recreating the connection through TURN only.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/matchpoint-live/voice-signal-relay/internal/protocol"
)

const (
	defaultMaxReconnectAttempts = 3
	defaultReconnectBackoff     = 2 * time.Second
	defaultHealthInterval       = 5 * time.Second
	defaultTombstoneGrace       = 30 * time.Second
)

// Config carries everything a Manager needs to join one room. Callbacks are
// invoked from the manager's internal goroutines and must not block.
type Config struct {
	// SignalURL is the relay's WebSocket endpoint (ws:// or wss://).
	SignalURL string
	RoomID    string

	// ClientID is this member's identity. Empty means a generated UUID; when
	// Token is set the relay uses the token's identity regardless.
	ClientID string
	// Token is the join token from POST /rooms/join. Empty when the relay
	// runs with auth disabled.
	Token string

	ICEServers []webrtc.ICEServer

	// LocalTrack is the outgoing audio. Nil means this member only listens;
	// a track that can't be attached also degrades to receive-only.
	LocalTrack webrtc.TrackLocal

	Logger *slog.Logger
	// API overrides the WebRTC engine; tests use this to run over vnet.
	API    *webrtc.API
	Dialer *websocket.Dialer

	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	HealthInterval       time.Duration
	// TombstoneGrace is how long after a peer's teardown its late signaling
	// frames keep being ignored instead of resurrecting the connection.
	TombstoneGrace time.Duration

	OnPeerConnected func(peerID string)
	OnPeerLeft      func(peerID string)
	OnTrack         func(peerID string, track *webrtc.TrackRemote)
	// OnError receives terminal failures (signaling reconnect exhausted,
	// relay-sent fatal errors). The manager is unusable afterwards.
	OnError func(err error)
}

type peerConn struct {
	id string
	pc *webrtc.PeerConnection

	// restarted and relayOnly gate the failure ladder: ICE restart first,
	// then one recreate through TURN, then teardown.
	restarted bool
	relayOnly bool

	// pending holds remote candidates that arrived before the remote
	// description; AddICECandidate rejects them until then. Guarded by the
	// manager mutex.
	pending []webrtc.ICECandidateInit

	healthStop chan struct{}
}

// Manager owns the signaling socket and the per-peer connection map for one
// room membership.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	clientID string
	api      *webrtc.API
	signal   *signalClient

	mu         sync.Mutex
	peers      map[string]*peerConn
	tombstones map[string]time.Time
	tracks     map[string]*webrtc.TrackRemote
	joined     bool
	closed     bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.SignalURL == "" {
		return nil, errors.New("peer: SignalURL is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("peer: RoomID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.TombstoneGrace <= 0 {
		cfg.TombstoneGrace = defaultTombstoneGrace
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	log := cfg.Logger.With("room_id", cfg.RoomID, "client_id", clientID)

	api := cfg.API
	if api == nil {
		se := webrtc.SettingEngine{LoggerFactory: newSlogLoggerFactory(log)}
		api = webrtc.NewAPI(webrtc.WithSettingEngine(se))
	}

	m := &Manager{
		cfg:        cfg,
		log:        log,
		clientID:   clientID,
		api:        api,
		peers:      make(map[string]*peerConn),
		tombstones: make(map[string]time.Time),
		tracks:     make(map[string]*webrtc.TrackRemote),
	}
	m.signal = newSignalClient(cfg.SignalURL, cfg.Dialer, log,
		m.joinFrame, m.handleSignal, m.signalDown,
		cfg.MaxReconnectAttempts, cfg.ReconnectBackoff)
	return m, nil
}

// ClientID reports the identity used on the signaling channel. When joining
// with a token, this must match the token's subject.
func (m *Manager) ClientID() string {
	return m.clientID
}

// Join connects to the relay and sends the join frame. Remote members then
// initiate offers toward us; members that join later are announced via
// peer-joined and we initiate toward them.
func (m *Manager) Join() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("peer: manager is closed")
	}
	if m.joined {
		m.mu.Unlock()
		return errors.New("peer: already joined")
	}
	m.joined = true
	m.mu.Unlock()

	if err := m.signal.Connect(); err != nil {
		return fmt.Errorf("join room %q: %w", m.cfg.RoomID, err)
	}
	m.log.Info("joined room")
	return nil
}

func (m *Manager) joinFrame() protocol.Message {
	return protocol.Message{
		Type:     protocol.MessageTypeJoin,
		RoomID:   m.cfg.RoomID,
		ClientID: m.clientID,
		Token:    m.cfg.Token,
	}
}

// Leave announces departure, tears down every peer connection and closes the
// signaling socket. Idempotent.
func (m *Manager) Leave() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]*peerConn, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.peers = make(map[string]*peerConn)
	m.tracks = make(map[string]*webrtc.TrackRemote)
	joined := m.joined
	m.mu.Unlock()

	if joined {
		_ = m.signal.Send(protocol.Message{
			Type:     protocol.MessageTypeLeave,
			RoomID:   m.cfg.RoomID,
			ClientID: m.clientID,
		})
	}

	for _, p := range peers {
		m.closePeerConn(p)
	}
	return m.signal.Close()
}

// Close is Leave; both names exist because callers reach for either.
func (m *Manager) Close() error {
	return m.Leave()
}

// Peers returns the ids of peers with a live connection attempt.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// RemoteTrack returns the registered remote audio track for a peer, if any.
func (m *Manager) RemoteTrack(peerID string) (*webrtc.TrackRemote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[peerID]
	return t, ok
}

func (m *Manager) signalDown(err error) {
	if err == nil {
		return
	}
	m.log.Error("signaling terminally down", "err", err)
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
	_ = m.Leave()
}

// handleSignal runs on the signaling read loop, so per-peer handling is
// naturally serialized.
func (m *Manager) handleSignal(msg protocol.Message) {
	if msg.Type == protocol.MessageTypeError {
		m.log.Warn("relay error frame", "code", msg.Code, "reason", msg.Reason)
		return
	}

	from := msg.From
	if from == "" {
		from = msg.ClientID
	}
	if from == "" || from == m.clientID {
		return
	}
	// Addressed frames for somebody else can only reach us through the
	// broadcast fallback; they must not create state here.
	if msg.To != "" && msg.To != m.clientID {
		return
	}

	switch msg.Type {
	case protocol.MessageTypePeerJoined:
		m.handlePeerJoined(from)
	case protocol.MessageTypeOffer:
		m.handleOffer(from, *msg.SDP)
	case protocol.MessageTypeAnswer:
		m.handleAnswer(from, *msg.SDP)
	case protocol.MessageTypeICECandidate:
		m.handleCandidate(from, *msg.Candidate)
	case protocol.MessageTypePeerLeft:
		m.dropPeer(from)
	}
}

func (m *Manager) handlePeerJoined(id string) {
	p, err := m.ensurePeer(id, true)
	if err != nil {
		m.log.Error("create connection for joined peer", "peer_id", id, "err", err)
		return
	}
	if p == nil {
		return
	}
	if err := m.sendOffer(p, false); err != nil {
		m.log.Error("offer to joined peer", "peer_id", id, "err", err)
	}
}

func (m *Manager) handleOffer(id string, sdp protocol.SDP) {
	p, err := m.ensurePeer(id, false)
	if err != nil || p == nil {
		return
	}
	desc, err := sdp.ToPion()
	if err != nil {
		m.log.Warn("bad offer sdp", "peer_id", id, "err", err)
		return
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		m.log.Error("apply remote offer", "peer_id", id, "err", err)
		return
	}
	m.flushCandidates(p)
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		m.log.Error("create answer", "peer_id", id, "err", err)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		m.log.Error("apply local answer", "peer_id", id, "err", err)
		return
	}
	out := protocol.SDPFromPion(answer)
	err = m.signal.Send(protocol.Message{
		Type:   protocol.MessageTypeAnswer,
		RoomID: m.cfg.RoomID,
		To:     id,
		SDP:    &out,
	})
	if err != nil {
		m.log.Error("send answer", "peer_id", id, "err", err)
	}
}

func (m *Manager) handleAnswer(id string, sdp protocol.SDP) {
	m.mu.Lock()
	p := m.peers[id]
	m.mu.Unlock()
	// An answer without a pending offer means the peer was torn down
	// in between; ignore it.
	if p == nil {
		return
	}
	desc, err := sdp.ToPion()
	if err != nil {
		m.log.Warn("bad answer sdp", "peer_id", id, "err", err)
		return
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		m.log.Error("apply remote answer", "peer_id", id, "err", err)
		return
	}
	m.flushCandidates(p)
}

func (m *Manager) handleCandidate(id string, cand protocol.Candidate) {
	p, err := m.ensurePeer(id, false)
	if err != nil || p == nil {
		return
	}
	init := cand.ToPion()
	m.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, init)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if err := p.pc.AddICECandidate(init); err != nil {
		m.log.Warn("add remote candidate", "peer_id", id, "err", err)
	}
}

func (m *Manager) flushCandidates(p *peerConn) {
	m.mu.Lock()
	pending := p.pending
	p.pending = nil
	m.mu.Unlock()
	for _, init := range pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			m.log.Warn("add buffered candidate", "peer_id", p.id, "err", err)
		}
	}
}

func (m *Manager) sendOffer(p *peerConn, iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	out := protocol.SDPFromPion(offer)
	return m.signal.Send(protocol.Message{
		Type:   protocol.MessageTypeOffer,
		RoomID: m.cfg.RoomID,
		To:     p.id,
		SDP:    &out,
	})
}

// dropPeer tears a peer down and tombstones it so its late frames don't
// recreate the connection.
func (m *Manager) dropPeer(id string) {
	m.mu.Lock()
	p := m.peers[id]
	delete(m.peers, id)
	_, hadTrack := m.tracks[id]
	delete(m.tracks, id)
	m.tombstones[id] = time.Now().Add(m.cfg.TombstoneGrace)
	m.mu.Unlock()

	if p == nil && !hadTrack {
		return
	}
	if p != nil {
		m.closePeerConn(p)
	}
	m.log.Info("peer gone", "peer_id", id)
	if m.cfg.OnPeerLeft != nil {
		m.cfg.OnPeerLeft(id)
	}
}

func (m *Manager) closePeerConn(p *peerConn) {
	if p.healthStop != nil {
		select {
		case <-p.healthStop:
		default:
			close(p.healthStop)
		}
	}
	if err := p.pc.Close(); err != nil {
		m.log.Debug("close peer connection", "peer_id", p.id, "err", err)
	}
}

func (m *Manager) tombstoned(id string) bool {
	deadline, ok := m.tombstones[id]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(m.tombstones, id)
		return false
	}
	return true
}
