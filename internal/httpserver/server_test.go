package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matchpoint-live/voice-signal-relay/internal/auth"
	"github.com/matchpoint-live/voice-signal-relay/internal/config"
	"github.com/matchpoint-live/voice-signal-relay/internal/metrics"
	"github.com/matchpoint-live/voice-signal-relay/internal/protocol"
	"github.com/matchpoint-live/voice-signal-relay/internal/relay"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		AuthMode:        config.AuthModeNone,
	}
}

func startTestServer(t *testing.T, cfg config.Config) (baseURL string, registry *relay.Registry) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	m := metrics.New()
	registry = relay.NewRegistry(cfg.MaxRoomMembers, m)

	srv, err := New(cfg, log, build, registry, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String(), registry
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig())

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ready"] != true {
			t.Fatalf("body=%v, want ready=true", body)
		}
		if _, ok := body["rooms"]; !ok {
			t.Fatalf("body=%v, want rooms count", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func postJoin(t *testing.T, baseURL string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(baseURL+"/rooms/join", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestRoomsJoin_MintsVerifiableToken(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeToken
	cfg.JoinTokenSecret = "join-secret"
	cfg.JoinTokenTTL = time.Minute

	baseURL, _ := startTestServer(t, cfg)

	resp := postJoin(t, baseURL, `{"roomId":"match-42","clientId":"fan-1"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}

	var got joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RoomID != "match-42" || got.ClientID != "fan-1" {
		t.Fatalf("identity=%+v", got)
	}
	if got.Token == "" || got.ExpiresAt == 0 {
		t.Fatalf("expected token and expiry, got %+v", got)
	}

	claims, err := auth.NewVerifier("join-secret").Verify(got.Token)
	if err != nil {
		t.Fatalf("minted token failed verification: %v", err)
	}
	if claims.Room != "match-42" || claims.ClientID != "fan-1" {
		t.Fatalf("claims=%+v", claims)
	}
}

func TestRoomsJoin_AssignsClientID(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig())

	resp := postJoin(t, baseURL, `{"roomId":"match-42"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var got joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ClientID == "" {
		t.Fatalf("expected server-assigned clientId, got %+v", got)
	}
	// Auth is off, so no token should be issued.
	if got.Token != "" {
		t.Fatalf("unexpected token in auth=none mode: %+v", got)
	}
}

func TestRoomsJoin_RejectsBadRequests(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig())

	for name, body := range map[string]string{
		"missing room":  `{"clientId":"fan-1"}`,
		"blank room":    `{"roomId":"   "}`,
		"unknown field": `{"roomId":"match-42","admin":true}`,
		"not json":      `roomId=match-42`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJoin(t, baseURL, body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status=%d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []configICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}

	baseURL, _ := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/rtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpoint_EmptyListIsJSONArray(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig())

	resp, err := http.Get(baseURL + "/rtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), `"iceServers":[]`) {
		t.Fatalf("expected empty array, got %s", raw)
	}
}

func TestICEEndpoint_TURNRESTCredentials(t *testing.T) {
	const secret = "coturn-secret"

	cfg := testConfig()
	cfg.ICEServers = []configICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}
	cfg.TURNREST = config.TurnRESTConfig{
		SharedSecret:   secret,
		TTLSeconds:     600,
		UsernamePrefix: "voiceroom",
	}

	baseURL, _ := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/rtc/ice?clientId=fan-1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt int64 `json:"expiresAt"`
		TTL       int64 `json:"ttl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.ExpiresAt == 0 || payload.TTL <= 0 {
		t.Fatalf("expected expiry metadata, got %+v", payload)
	}

	var turn *struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	}
	for i := range payload.ICEServers {
		if strings.HasPrefix(payload.ICEServers[i].URLs[0], "turn:") {
			turn = &payload.ICEServers[i]
		} else if payload.ICEServers[i].Username != "" {
			t.Fatalf("STUN entry must not carry credentials: %+v", payload.ICEServers[i])
		}
	}
	if turn == nil {
		t.Fatalf("no TURN entry in %+v", payload.ICEServers)
	}

	// coturn REST username is expiry:prefix:clientId, credential is
	// base64(hmac-sha1(secret, username)).
	parts := strings.SplitN(turn.Username, ":", 3)
	if len(parts) != 3 || parts[1] != "voiceroom" || parts[2] != "fan-1" {
		t.Fatalf("username=%q", turn.Username)
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(turn.Username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if turn.Credential != want {
		t.Fatalf("credential=%q, want %q", turn.Credential, want)
	}
}

func TestICEEndpoint_UnavailableOnConfigError(t *testing.T) {
	t.Setenv("ICE_SERVERS_JSON", "[")
	t.Setenv("AUTH_MODE", "none")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected deferred ICE config error")
	}

	baseURL, _ := startTestServer(t, cfg)

	for _, path := range []string{"/rtc/ice", "/readyz"} {
		resp, err := http.Get(baseURL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s status=%d, want 503", path, resp.StatusCode)
		}
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}

	baseURL, _ := startTestServer(t, cfg)

	t.Run("disallowed origin is rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/rtc/ice", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("allowed origin gets CORS headers", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/rtc/ice", nil)
		req.Header.Set("Origin", "https://app.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("Allow-Origin=%q", got)
		}
		if resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
			t.Fatalf("missing Allow-Credentials header")
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, baseURL+"/rooms/join", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
			t.Fatalf("Allow-Methods=%q", got)
		}
	})

	t.Run("no origin header passes", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/rtc/ice")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig())

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "voice_signal_relay_events_total") {
		t.Fatalf("unexpected metrics body: %s", raw)
	}
}

// The signaling WebSocket is mounted on the same server as the HTTP API and
// upgrades behind the logging middleware, which wraps the ResponseWriter.
// The wrapper must keep the connection hijackable or every upgrade fails.
func TestSignalUpgradeThroughMiddleware(t *testing.T) {
	cfg := testConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	registry := relay.NewRegistry(cfg.MaxRoomMembers, m)

	srv, err := New(cfg, log, BuildInfo{}, registry, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.Mux().Handle("GET /signal", relay.NewWSServer(cfg, registry, m, log))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	wsURL := "ws://" + ln.Addr().String() + "/signal"
	a, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.WriteJSON(protocol.Message{Type: protocol.MessageTypeJoin, RoomID: "room", ClientID: "a"}); err != nil {
		t.Fatalf("join a: %v", err)
	}

	b, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.WriteJSON(protocol.Message{Type: protocol.MessageTypeJoin, RoomID: "room", ClientID: "b"}); err != nil {
		t.Fatalf("join b: %v", err)
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := a.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	if msg.Type != protocol.MessageTypePeerJoined || msg.ClientID != "b" {
		t.Fatalf("a received %+v, want peer-joined b", msg)
	}
}
