package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

// JoinGrant is the relay's answer to POST /rooms/join: the identity to join
// with and, when the relay requires auth, a signed token for it.
type JoinGrant struct {
	RoomID    string `json:"roomId"`
	ClientID  string `json:"clientId"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

const maxProvisionResponseBytes = 256 * 1024

// RequestJoinGrant asks the relay for join credentials. baseURL is the
// relay's HTTP address (http:// or https://).
func RequestJoinGrant(ctx context.Context, client *http.Client, baseURL, roomID, clientID string) (JoinGrant, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(map[string]string{"roomId": roomID, "clientId": clientID})
	if err != nil {
		return JoinGrant{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(baseURL, "/")+"/rooms/join", bytes.NewReader(body))
	if err != nil {
		return JoinGrant{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return JoinGrant{}, fmt.Errorf("request join grant: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return JoinGrant{}, fmt.Errorf("request join grant: unexpected status %d", resp.StatusCode)
	}

	var grant JoinGrant
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProvisionResponseBytes)).Decode(&grant); err != nil {
		return JoinGrant{}, fmt.Errorf("decode join grant: %w", err)
	}
	if grant.ClientID == "" {
		return JoinGrant{}, fmt.Errorf("join grant missing clientId")
	}
	return grant, nil
}

// FetchICEServers retrieves the relay's ICE server list, including ephemeral
// TURN credentials when the relay has TURN REST configured.
func FetchICEServers(ctx context.Context, client *http.Client, baseURL, clientID string) ([]webrtc.ICEServer, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimSuffix(baseURL, "/") + "/rtc/ice"
	if clientID != "" {
		u += "?clientId=" + url.QueryEscape(clientID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProvisionResponseBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return payload.ICEServers, nil
}
