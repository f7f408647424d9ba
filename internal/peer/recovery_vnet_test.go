package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/matchpoint-live/voice-signal-relay/internal/metrics"
)

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{LoggerFactory: newSlogLoggerFactory(discardLogger())}
	se.SetNet(n)
	// Aggressive timeouts so a blackholed path is declared failed quickly.
	se.SetICETimeouts(time.Second, 3*time.Second, 500*time.Millisecond)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// TestManagerRestartsICEAfterPathLoss drops all media-plane traffic between
// two connected managers and verifies the failure path re-offers through the
// still-healthy signaling channel.
func TestManagerRestartsICEAfterPathLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("vnet ICE failure takes several seconds")
	}

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: newSlogLoggerFactory(discardLogger()),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net a: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net b: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net a: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net b: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	// Signaling runs over real loopback; only the media plane is virtual.
	wsURL, met := startRelay(t)

	connected := make(chan string, 4)
	a, err := NewManager(Config{
		SignalURL:       wsURL,
		RoomID:          "match-9",
		ClientID:        "fan-a",
		Logger:          discardLogger(),
		API:             newVNetAPI(t, netA),
		OnPeerConnected: func(id string) { connected <- id },
	})
	if err != nil {
		t.Fatalf("manager a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	b, err := NewManager(Config{
		SignalURL: wsURL,
		RoomID:    "match-9",
		ClientID:  "fan-b",
		Logger:    discardLogger(),
		API:       newVNetAPI(t, netB),
	})
	if err != nil {
		t.Fatalf("manager b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if err := a.Join(); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := b.Join(); err != nil {
		t.Fatalf("join b: %v", err)
	}
	waitFor(t, connected, "fan-b", "connection to")

	offersBefore := met.Get(metrics.RelayedOffer)

	// Blackhole everything on the virtual network.
	var dropMu sync.Mutex
	dropping := false
	router.AddChunkFilter(func(vnet.Chunk) bool {
		dropMu.Lock()
		defer dropMu.Unlock()
		return !dropping
	})
	dropMu.Lock()
	dropping = true
	dropMu.Unlock()

	// The ICE agent must hit failed and the manager must attempt at least
	// one recovery offer (restart or relay-only recreate) through the relay.
	deadline := time.Now().Add(30 * time.Second)
	for {
		if met.Get(metrics.RelayedOffer) > offersBefore {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no recovery offer observed (offers=%d)", met.Get(metrics.RelayedOffer))
		}
		time.Sleep(200 * time.Millisecond)
	}
}
