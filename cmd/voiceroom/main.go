package main

import (
	"github.com/matchpoint-live/voice-signal-relay/cmd/voiceroom/cmd"
)

func main() {
	cmd.Execute()
}
