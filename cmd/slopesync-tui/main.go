// Command slopesync-tui shows the live state of a running slopesync daemon:
// connectivity, sync progress and the pending queue.
//
// Usage:
//
//	slopesync-tui --api http://127.0.0.1:8430
//
// The token for an authenticated daemon is read from SLOPESIDE_API_TOKEN or
// --token.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/slopeside/slopeside/internal/cli"
	"github.com/slopeside/slopeside/internal/tui"
)

func main() {
	apiURL := flag.String("api", envOr("SLOPESIDE_API_URL", "http://127.0.0.1:8430"), "slopesync API URL")
	token := flag.String("token", os.Getenv(cli.EnvAPIToken), "API bearer token")
	logPath := flag.String("log", "slopesync-tui.log", "log file")
	flag.Parse()

	// Set up logging to file (stdout is owned by the TUI)
	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close() //nolint:errcheck

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	client := tui.NewClient(*apiURL, *token)
	events := make(chan tea.Msg, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tui.Stream(ctx, client, events)

	logger.Info("tui started", "api", *apiURL)
	if _, err := tea.NewProgram(tui.NewModel(client, events), tea.WithAltScreen()).Run(); err != nil {
		logger.Error("tui crashed", "error", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("tui stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
