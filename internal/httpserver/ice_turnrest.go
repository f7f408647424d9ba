package httpserver

import (
	"strings"

	"github.com/matchpoint-live/voice-signal-relay/internal/config"
)

type configICEServer = config.ICEServer

// withTURNCredentials copies the server list, overwriting the username and
// credential of every TURN entry with the ephemeral pair. STUN entries pass
// through untouched.
func withTURNCredentials(servers []configICEServer, username, credential string) []configICEServer {
	if len(servers) == 0 {
		return servers
	}
	out := make([]configICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if iceServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func iceServerHasTURNURL(server configICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
