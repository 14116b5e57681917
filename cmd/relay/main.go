package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Realtime session layer for the map assistant",
		Long: `Relay maintains the persistent WebSocket session between a map
client and its assistant backend.

It handles:

  • Reconnection with bounded exponential backoff
  • Streaming assistant turns with cancellation
  • Debounced view-state synchronization
  • Microphone framing and assistant audio playback`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		chatCmd(),
		simCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
