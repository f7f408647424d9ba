// Package relay implements the room-scoped signaling relay: a registry of
// rooms and their members, and the WebSocket server that forwards WebRTC
// signaling frames between them.
package relay

import (
	"errors"
	"sync"

	"github.com/matchpoint-live/voice-signal-relay/internal/metrics"
	"github.com/matchpoint-live/voice-signal-relay/internal/protocol"
)

var (
	ErrRoomFull   = errors.New("room is full")
	ErrNotInRoom  = errors.New("client is not in the room")
	ErrNoSuchPeer = errors.New("no such peer in the room")
)

// Peer is one connected room member as seen by the registry. Send must be
// safe for concurrent use; the registry calls it from multiple sessions.
type Peer interface {
	Send(msg protocol.Message) error
	// Kick closes the peer's connection. The registry uses it when a new
	// connection supersedes an existing member with the same client id.
	Kick(code, reason string)
}

// Registry tracks which clients are in which rooms. Rooms are created on
// first join and deleted as soon as the last member leaves; an empty room
// never outlives its members.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]Peer

	maxRoomMembers int
	metrics        *metrics.Metrics
}

// NewRegistry creates a registry. maxRoomMembers <= 0 means unlimited.
// m may be nil.
func NewRegistry(maxRoomMembers int, m *metrics.Metrics) *Registry {
	return &Registry{
		rooms:          make(map[string]map[string]Peer),
		maxRoomMembers: maxRoomMembers,
		metrics:        m,
	}
}

// Join adds peer to the room and returns the ids of the members that were
// already present. A join with a client id that is already a member replaces
// the previous connection: the old peer is kicked, the new one takes its
// place, and superseded reports the replacement so the caller can skip the
// duplicate peer-joined fan-out.
func (r *Registry) Join(roomID, clientID string, peer Peer) (existing []string, superseded bool, err error) {
	var displaced Peer

	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]Peer)
		r.rooms[roomID] = room
		r.metrics.Inc(metrics.RoomCreated)
	}

	displaced = room[clientID]
	if displaced == nil && r.maxRoomMembers > 0 && len(room) >= r.maxRoomMembers {
		r.mu.Unlock()
		r.metrics.Inc(metrics.DropReasonRoomFull)
		return nil, false, ErrRoomFull
	}

	existing = make([]string, 0, len(room))
	for id := range room {
		if id != clientID {
			existing = append(existing, id)
		}
	}
	room[clientID] = peer
	r.mu.Unlock()

	r.metrics.Inc(metrics.MemberJoined)
	if displaced != nil {
		displaced.Kick("superseded", "replaced by a newer connection")
	}
	return existing, displaced != nil, nil
}

// Leave removes the client from the room. The caller decides whether to fan
// out peer-left; Leave only mutates membership. Removing the last member
// deletes the room.
//
// A stale Leave (the client was already replaced by a newer connection with
// the same id) must not remove the newer peer, so the caller passes the peer
// it registered and Leave only removes a matching entry.
func (r *Registry) Leave(roomID, clientID string, peer Peer) bool {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	current, ok := room[clientID]
	if !ok || (peer != nil && current != peer) {
		r.mu.Unlock()
		return false
	}
	delete(room, clientID)
	roomDeleted := len(room) == 0
	if roomDeleted {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	r.metrics.Inc(metrics.MemberLeft)
	if roomDeleted {
		r.metrics.Inc(metrics.RoomDeleted)
	}
	return true
}

// Broadcast sends msg to every member of the room except fromID. Send errors
// are per-recipient and do not stop the fan-out; a recipient whose socket is
// dead is cleaned up by its own session, not here.
func (r *Registry) Broadcast(roomID, fromID string, msg protocol.Message) {
	r.mu.Lock()
	room := r.rooms[roomID]
	recipients := make([]Peer, 0, len(room))
	for id, peer := range room {
		if id == fromID {
			continue
		}
		recipients = append(recipients, peer)
	}
	r.mu.Unlock()

	for _, peer := range recipients {
		if err := peer.Send(msg); err != nil {
			r.metrics.Inc(metrics.DropReasonDeadSocket)
		}
	}
}

// SendTo delivers msg to a single member of the room.
func (r *Registry) SendTo(roomID, toID string, msg protocol.Message) error {
	r.mu.Lock()
	peer, ok := r.rooms[roomID][toID]
	r.mu.Unlock()
	if !ok {
		return ErrNoSuchPeer
	}
	if err := peer.Send(msg); err != nil {
		r.metrics.Inc(metrics.DropReasonDeadSocket)
		return err
	}
	return nil
}

// Members returns the client ids currently in the room.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[roomID]
	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	return out
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// MemberCount returns the total number of connected members across all rooms.
func (r *Registry) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, room := range r.rooms {
		n += len(room)
	}
	return n
}
