package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxJoinRequestBytes = 16 * 1024

type joinRequest struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId,omitempty"`
}

type joinResponse struct {
	RoomID    string `json:"roomId"`
	ClientID  string `json:"clientId"`
	Token     string `json:"token,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// handleRoomsJoin mints the credentials a client presents on the signaling
// WebSocket's join frame. The client id is server-assigned when the caller
// doesn't supply one, so peers can't trivially collide identities.
func (s *Server) handleRoomsJoin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJoinRequestBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return
	}

	var req joinRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid join request")
		return
	}

	req.RoomID = strings.TrimSpace(req.RoomID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.RoomID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "roomId is required")
		return
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	resp := joinResponse{
		RoomID:   req.RoomID,
		ClientID: clientID,
	}
	if s.minter != nil {
		token, expiry, err := s.minter.Mint(req.RoomID, clientID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to mint join token")
			return
		}
		resp.Token = token
		resp.ExpiresAt = expiry.Unix()
	}

	WriteJSON(w, http.StatusOK, resp)
}

// handleICE returns the ICE server list for client PeerConnections. When TURN
// REST is configured, TURN entries get short-lived credentials derived for
// this caller.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "ice_unavailable", err.Error())
		return
	}

	servers := s.cfg.ICEServers
	body := map[string]any{}

	if s.turn != nil {
		clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
		if clientID == "" || strings.Contains(clientID, ":") {
			clientID = uuid.NewString()
		}
		creds, err := s.turn.Generate(clientID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to generate TURN credentials")
			return
		}
		servers = withTURNCredentials(servers, creds.Username, creds.Credential)
		body["expiresAt"] = creds.ExpiryUnix
		body["ttl"] = creds.ExpiryUnix - time.Now().UTC().Unix()
	}

	if servers == nil {
		servers = []configICEServer{}
	}
	body["iceServers"] = servers
	WriteJSON(w, http.StatusOK, body)
}
