// Package protocol defines the JSON wire format spoken between voice-room
// clients and the signaling relay.
//
// Every frame is a single JSON text message with a "type" discriminator. The
// relay only inspects routing fields (type, roomId, clientId, to); SDP and
// candidate payloads are carried opaquely between peers.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	// Client -> relay.
	MessageTypeJoin  MessageType = "join"
	MessageTypeLeave MessageType = "leave"

	// Relayed between peers (from is stamped by the relay).
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"

	// Relay -> client.
	MessageTypePeerJoined MessageType = "peer-joined"
	MessageTypePeerLeft   MessageType = "peer-left"
	MessageTypeError      MessageType = "error"
)

// SDP mirrors the browser's RTCSessionDescription JSON shape.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the closed set of signaling frames. Validate enforces the
// per-type field contract so dispatch never sees a half-formed frame.
type Message struct {
	Type MessageType `json:"type"`

	RoomID   string `json:"roomId,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	// Token carries the signed join token minted by POST /rooms/join. Only
	// meaningful on join frames, and only when the relay requires auth.
	Token string `json:"token,omitempty"`

	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Parse decodes a single wire frame strictly: unknown fields, trailing data,
// and frames violating the per-type contract are all rejected.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case MessageTypeJoin:
		if m.RoomID == "" {
			return fmt.Errorf("join message missing roomId")
		}
		if m.ClientID == "" && m.Token == "" {
			return fmt.Errorf("join message missing clientId")
		}
		if m.SDP != nil || m.Candidate != nil || m.To != "" || m.From != "" {
			return fmt.Errorf("join message has unexpected fields")
		}
	case MessageTypeLeave:
		if m.RoomID == "" || m.ClientID == "" {
			return fmt.Errorf("leave message missing roomId/clientId")
		}
		if m.SDP != nil || m.Candidate != nil || m.Token != "" {
			return fmt.Errorf("leave message has unexpected fields")
		}
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
		if m.Candidate != nil || m.Token != "" || m.Code != "" || m.Reason != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.RoomID == "" {
			return fmt.Errorf("ice-candidate message missing roomId")
		}
		if m.SDP != nil || m.Token != "" || m.Code != "" || m.Reason != "" {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case MessageTypePeerJoined, MessageTypePeerLeft:
		if m.ClientID == "" {
			return fmt.Errorf("%s message missing clientId", m.Type)
		}
		if m.SDP != nil || m.Candidate != nil || m.Token != "" || m.Code != "" || m.Reason != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeError:
		if m.Code == "" || m.Reason == "" {
			return fmt.Errorf("error message missing code/reason")
		}
		if m.SDP != nil || m.Candidate != nil || m.Token != "" {
			return fmt.Errorf("error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Relayable reports whether a frame is forwarded between peers (as opposed to
// consumed by the relay itself).
func (m Message) Relayable() bool {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		return true
	default:
		return false
	}
}
