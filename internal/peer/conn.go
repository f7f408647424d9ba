package peer

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/matchpoint-live/voice-signal-relay/internal/protocol"
)

// ensurePeer is the lookup-or-create for one remote member. A tombstoned id
// returns nil: late frames from a departed peer must not rebuild state. The
// tombstone is cleared only when the relay explicitly re-announces the peer
// (initiator == true, i.e. peer-joined).
func (m *Manager) ensurePeer(id string, initiator bool) (*peerConn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil
	}
	if initiator {
		delete(m.tombstones, id)
	} else if m.tombstoned(id) {
		m.mu.Unlock()
		m.log.Debug("ignoring frame from tombstoned peer", "peer_id", id)
		return nil, nil
	}
	if p, ok := m.peers[id]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	p, err := m.newPeerConn(id, false, initiator)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closePeerConn(p)
		return nil, nil
	}
	if existing, ok := m.peers[id]; ok {
		// Lost a race with another frame for the same peer.
		m.mu.Unlock()
		m.closePeerConn(p)
		return existing, nil
	}
	m.peers[id] = p
	m.mu.Unlock()
	return p, nil
}

func (m *Manager) newPeerConn(id string, relayOnly, initiator bool) (*peerConn, error) {
	cfg := webrtc.Configuration{
		ICEServers:    m.cfg.ICEServers,
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}
	if relayOnly {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := m.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &peerConn{
		id:         id,
		pc:         pc,
		relayOnly:  relayOnly,
		healthStop: make(chan struct{}),
	}

	m.attachLocalAudio(pc, id)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := protocol.CandidateFromPion(c.ToJSON())
		err := m.signal.Send(protocol.Message{
			Type:      protocol.MessageTypeICECandidate,
			RoomID:    m.cfg.RoomID,
			To:        id,
			Candidate: &cand,
		})
		if err != nil {
			m.log.Debug("send candidate", "peer_id", id, "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		m.tracks[id] = track
		m.mu.Unlock()
		m.log.Info("remote track", "peer_id", id, "codec", track.Codec().MimeType)
		if m.cfg.OnTrack != nil {
			m.cfg.OnTrack(id, track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Info("peer connection state", "peer_id", id, "state", state.String())
		if state == webrtc.PeerConnectionStateConnected && m.cfg.OnPeerConnected != nil {
			m.cfg.OnPeerConnected(id)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed {
			go m.recoverPeer(id)
		}
	})

	if initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(healthChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			m.log.Warn("create health channel", "peer_id", id, "err", err)
		} else {
			m.startHealthChannel(id, dc, p.healthStop)
		}
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != healthChannelLabel {
				return
			}
			m.startHealthChannel(id, dc, p.healthStop)
		})
	}

	return p, nil
}

// attachLocalAudio adds the outgoing track, degrading to a receive-only
// transceiver when there is no track or attaching it fails (a dead
// microphone must not keep us from hearing the room).
func (m *Manager) attachLocalAudio(pc *webrtc.PeerConnection, id string) {
	if m.cfg.LocalTrack != nil {
		_, err := pc.AddTrack(m.cfg.LocalTrack)
		if err == nil {
			return
		}
		m.log.Warn("attach local audio failed, falling back to receive-only", "peer_id", id, "err", err)
	}
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		m.log.Warn("add recvonly transceiver", "peer_id", id, "err", err)
	}
}

func (m *Manager) startHealthChannel(id string, dc *webrtc.DataChannel, stop chan struct{}) {
	dc.OnOpen(func() {
		m.log.Debug("health channel open", "peer_id", id)
		go runHealthChannel(dc, m.cfg.HealthInterval, stop, func(rtt time.Duration) {
			m.log.Debug("health rtt", "peer_id", id, "rtt_ms", rtt.Milliseconds())
		})
	})
}

// recoverPeer climbs the failure ladder for one peer: first an ICE restart,
// then one recreate forced through TURN relays, then teardown.
func (m *Manager) recoverPeer(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	p := m.peers[id]
	if p == nil {
		m.mu.Unlock()
		return
	}
	switch {
	case !p.restarted:
		p.restarted = true
		m.mu.Unlock()
		m.log.Warn("ice failed, attempting restart", "peer_id", id)
		if err := m.sendOffer(p, true); err != nil {
			m.log.Error("ice restart offer", "peer_id", id, "err", err)
		}
	case !p.relayOnly:
		m.mu.Unlock()
		m.log.Warn("ice failed after restart, recreating via relay", "peer_id", id)
		m.recreateRelayOnly(id)
	default:
		m.mu.Unlock()
		m.log.Warn("relay-only connection failed, giving up on peer", "peer_id", id)
		m.dropPeer(id)
	}
}

// recreateRelayOnly replaces the peer's connection with a fresh one whose
// ICE transport policy is relay, and re-initiates the offer. Happens at most
// once per peer id.
func (m *Manager) recreateRelayOnly(id string) {
	m.mu.Lock()
	old := m.peers[id]
	delete(m.peers, id)
	delete(m.tracks, id)
	m.mu.Unlock()
	if old != nil {
		m.closePeerConn(old)
	}

	p, err := m.newPeerConn(id, true, true)
	if err != nil {
		m.log.Error("recreate relay-only connection", "peer_id", id, "err", err)
		m.dropPeer(id)
		return
	}
	// A restart on the relay-only connection is still allowed before final
	// teardown; the relay-only recreate itself is not repeated.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closePeerConn(p)
		return
	}
	m.peers[id] = p
	m.mu.Unlock()

	if err := m.sendOffer(p, false); err != nil {
		m.log.Error("offer on relay-only connection", "peer_id", id, "err", err)
	}
}
