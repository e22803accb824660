package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-gateway",
		Short: "Frame relay gateway between game clients and backend services",
		Long: `relay-gateway accepts client connections, forwards every frame to the
backend service that owns its command, and relays the correlated
response frames back to the client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
