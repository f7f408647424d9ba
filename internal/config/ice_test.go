package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.l.google.com:19302"},
		{"urls": ["turn:turn.matchpoint.live:3478?transport=udp", "turns:turn.matchpoint.live:5349"], "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("servers[0].URLs = %v", servers[0].URLs)
	}
	if len(servers[1].URLs) != 2 || servers[1].Username != "u" {
		t.Errorf("servers[1] = %+v", servers[1])
	}
	if cred, _ := servers[1].Credential.(string); cred != "c" {
		t.Errorf("servers[1].Credential = %v", servers[1].Credential)
	}
}

func TestParseICEServersJSONRejects(t *testing.T) {
	bad := []string{
		`not json`,
		`[{"urls": []}]`,
		`[{"urls": "http://example.com"}]`,
		`[{"urls": "turn:turn.example.com"}]`, // TURN without creds, TURN REST off
		`[{"urls": "turn:turn.example.com", "username": "u"}]`,
	}
	for _, raw := range bad {
		if _, err := ParseICEServersJSON(raw, false); err == nil {
			t.Errorf("ParseICEServersJSON(%q) accepted", raw)
		}
	}
}

func TestParseICEServersJSONTURNRESTAllowsCredentialless(t *testing.T) {
	raw := `[{"urls": "turn:turn.matchpoint.live:3478"}]`
	servers, err := ParseICEServersJSON(raw, true)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 1 || servers[0].Username != "" || servers[0].Credential != nil {
		t.Errorf("servers = %+v", servers)
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := parseICEServersFromConvenienceEnv(
		"stun:stun.l.google.com:19302, stun:stun1.l.google.com:19302",
		"turn:turn.matchpoint.live:3478",
		"u", "c",
		false,
	)
	if err != nil {
		t.Fatalf("parseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Errorf("stun URLs = %v", servers[0].URLs)
	}

	_, err = parseICEServersFromConvenienceEnv("", "turn:turn.example.com", "", "", false)
	if err == nil || !strings.Contains(err.Error(), "TURN_USERNAME") {
		t.Errorf("TURN without creds: err = %v", err)
	}

	// TURN REST supplies credentials later, so bare TURN URLs are fine.
	servers, err = parseICEServersFromConvenienceEnv("", "turn:turn.example.com", "", "", true)
	if err != nil || len(servers) != 1 {
		t.Errorf("TURN REST convenience env: servers=%v err=%v", servers, err)
	}
}
