package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "voiceroom",
	Short: "Voice room client for the signaling relay",
	Long: `voiceroom is a terminal client for voice rooms served by
voice-signal-relay. It joins a room over the relay's WebSocket, negotiates a
WebRTC connection with every other member and reports peer and audio activity.`,
}

// Execute runs the CLI. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
