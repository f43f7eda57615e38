// Package main is the r-core CLI: a local AI agent runtime serving a
// terminal front end and an HTTP API over one skill registry and one
// model backend.
//
// Start the server:
//
//	r-core serve --host 127.0.0.1 --port 8000
//
// One-shot chat from the terminal:
//
//	r-core chat "what time is it in Lisbon?"
//
// Call a tool directly, bypassing the model:
//
//	r-core call math add --args '{"a": 2, "b": 3}'
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "r-core",
		Short:         "Local AI agent runtime with skills, auth, and distributed inference",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(),
		newChatCommand(),
		newSkillsCommand(),
		newCallCommand(),
		newVersionCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("r-core %s (%s)\n", version, commit)
		},
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
