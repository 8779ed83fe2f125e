// Package main is the deskagent CLI: chat with a coding agent inside
// persistent workspaces, or serve the agent to local UIs over WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	var (
		dataDir string
		profile string
		trace   bool
	)

	rootCmd := &cobra.Command{
		Use:   "deskagent",
		Short: "Desktop agent chat backed by the Claude Code adapter",
		Long: `deskagent runs an AI coding agent in persistent workspaces ("spaces").

Each space is a directory with its own instructions, slash commands, and
conversation history. The agent runs as a subprocess speaking the agent
session protocol over stdio.`,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.deskagent)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Adapter profile from adapters.yaml")
	rootCmd.PersistentFlags().BoolVar(&trace, "trace", false, "Log protocol frames and debug output")

	rootCmd.AddCommand(
		chatCmd(&dataDir, &profile, &trace),
		serveCmd(&dataDir, &profile, &trace),
		spacesCmd(&dataDir),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show deskagent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("deskagent version %s\n", version)
		},
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
