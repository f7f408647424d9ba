package peer

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// healthChannelLabel is the negotiated data channel used for liveness pings
// alongside the audio. Payloads are msgpack to keep them off the hot path's
// JSON allocator.
const healthChannelLabel = "health"

const (
	healthKindPing = "ping"
	healthKindPong = "pong"
)

type healthFrame struct {
	Kind     string `msgpack:"kind"`
	SentUnix int64  `msgpack:"ts"`
}

// runHealthChannel wires ping/pong over an open data channel. Pings go out
// every interval until stop closes; pongs echo the sender's timestamp so
// either side can derive round-trip time.
func runHealthChannel(dc *webrtc.DataChannel, interval time.Duration, stop <-chan struct{}, onRTT func(time.Duration)) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var frame healthFrame
		if err := msgpack.Unmarshal(msg.Data, &frame); err != nil {
			return
		}
		switch frame.Kind {
		case healthKindPing:
			reply, err := msgpack.Marshal(healthFrame{Kind: healthKindPong, SentUnix: frame.SentUnix})
			if err == nil {
				_ = dc.Send(reply)
			}
		case healthKindPong:
			if onRTT != nil {
				rtt := time.Since(time.UnixMilli(frame.SentUnix))
				onRTT(rtt)
			}
		}
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if dc.ReadyState() != webrtc.DataChannelStateOpen {
				continue
			}
			ping, err := msgpack.Marshal(healthFrame{Kind: healthKindPing, SentUnix: time.Now().UnixMilli()})
			if err != nil {
				return
			}
			if err := dc.Send(ping); err != nil {
				return
			}
		}
	}
}
