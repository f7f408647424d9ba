package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/spf13/cobra"

	"github.com/matchpoint-live/voice-signal-relay/internal/peer"
)

var (
	flagServer   string
	flagClientID string
	flagTone     bool
	flagVerbose  bool
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a voice room and report peer activity",
	Long: `Join a voice room. The client fetches join credentials and ICE servers from
the relay, connects to every other member and counts inbound audio packets
per peer. With --tone a synthetic audio track (Opus silence frames) is sent
so remote members receive a stream.

Examples:
  voiceroom join match-42
  voiceroom join match-42 --server https://relay.example.com --tone`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(args[0])
	},
}

func init() {
	defaultServer := os.Getenv("VOICEROOM_SERVER")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:3001"
	}
	joinCmd.Flags().StringVar(&flagServer, "server", defaultServer, "Relay base URL (env VOICEROOM_SERVER)")
	joinCmd.Flags().StringVar(&flagClientID, "client-id", "", "Client identity; generated when empty")
	joinCmd.Flags().BoolVar(&flagTone, "tone", false, "Send a synthetic audio track instead of listening only")
	joinCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "Debug logging")

	rootCmd.AddCommand(joinCmd)
}

func joinRoom(roomID string) error {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	grant, err := peer.RequestJoinGrant(ctx, nil, flagServer, roomID, flagClientID)
	cancel()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	iceServers, err := peer.FetchICEServers(ctx, nil, flagServer, grant.ClientID)
	cancel()
	if err != nil {
		return err
	}

	wsURL, err := signalURL(flagServer)
	if err != nil {
		return err
	}

	var localTrack webrtc.TrackLocal
	var stopTone func()
	if flagTone {
		track, stop, err := startToneTrack()
		if err != nil {
			return fmt.Errorf("start tone track: %w", err)
		}
		localTrack = track
		stopTone = stop
		defer stopTone()
	}

	var packets sync.Map // peer id -> *atomic.Uint64

	mgr, err := peer.NewManager(peer.Config{
		SignalURL:  wsURL,
		RoomID:     grant.RoomID,
		ClientID:   grant.ClientID,
		Token:      grant.Token,
		ICEServers: iceServers,
		LocalTrack: localTrack,
		Logger:     log,
		OnPeerConnected: func(id string) {
			fmt.Printf("peer %s connected\n", id)
		},
		OnPeerLeft: func(id string) {
			count := uint64(0)
			if v, ok := packets.Load(id); ok {
				count = v.(*atomic.Uint64).Load()
			}
			fmt.Printf("peer %s left (%d audio packets received)\n", id, count)
		},
		OnTrack: func(id string, track *webrtc.TrackRemote) {
			counter := &atomic.Uint64{}
			packets.Store(id, counter)
			fmt.Printf("peer %s streaming %s\n", id, track.Codec().MimeType)
			go drainTrack(track, counter)
		},
		OnError: func(err error) {
			fmt.Fprintln(os.Stderr, "error:", err)
		},
	})
	if err != nil {
		return err
	}

	if err := mgr.Join(); err != nil {
		return err
	}
	fmt.Printf("joined room %s as %s\n", grant.RoomID, grant.ClientID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("leaving")
	return mgr.Leave()
}

// drainTrack consumes inbound RTP so buffers don't back up; this client's
// audio sink is just a packet counter.
func drainTrack(track *webrtc.TrackRemote, counter *atomic.Uint64) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		counter.Add(1)
	}
}

// startToneTrack produces an Opus track carrying silence frames at the usual
// 20ms pacing. It exists so remote members negotiate a receive path without
// this process needing microphone access.
func startToneTrack() (webrtc.TrackLocal, func(), error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "voiceroom")
	if err != nil {
		return nil, nil, err
	}

	// Canonical Opus silence frame.
	silence := []byte{0xf8, 0xff, 0xfe}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: silence, Duration: 20 * time.Millisecond}); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return track, func() { once.Do(func() { close(stop) }) }, nil
}

func signalURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/signal"
	return u.String(), nil
}
