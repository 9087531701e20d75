package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/slopeside/slopeside/internal/cli"
	"github.com/slopeside/slopeside/internal/config"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

const (
	defaultConfigPath = "slopesync.toml"
	defaultAPIURL     = "http://127.0.0.1:8430"

	// EnvAPIURL points the client subcommands at a daemon.
	EnvAPIURL = "SLOPESIDE_API_URL"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("slopesync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	apiURL := fs.String("api", envOr(EnvAPIURL, defaultAPIURL), "Daemon API URL for client commands")
	showVersion := fs.Bool("version", false, "Show version")
	fs.Usage = func() { printUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		printVersion(stdout)
		return 0
	}

	configSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configSet = true
		}
	})

	rest := fs.Args()
	cmd := "run"
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	switch cmd {
	case "run":
		return runDaemon(*configPath, rest, stdout, stderr)
	case "status", "pending", "enqueue", "sync", "clear":
		return cli.NewQueueCLI(*apiURL).Run(append([]string{cmd}, rest...))
	case "init":
		return cli.InitCommand(rest)
	case "token":
		if configSet {
			rest = append([]string{"--config", *configPath}, rest...)
		}
		return cli.TokenCommand(rest)
	case "service":
		if err := runServiceCommand(rest, *configPath, stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	case "version":
		printVersion(stdout)
		return 0
	case "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 1
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "slopesync v%s (built %s)\n", version, buildTime)
	fmt.Fprintln(w, "Offline action queue and sync daemon for Slopeside")
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: slopesync [--config path] [--api url] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Daemon:")
	fmt.Fprintln(w, "  run                     Run the sync daemon (default)")
	fmt.Fprintln(w, "  service install|uninstall  Manage the systemd or launchd service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Client:")
	fmt.Fprintln(w, "  status                  Show connectivity, sync state and queue length")
	fmt.Fprintln(w, "  pending                 List queued actions")
	fmt.Fprintln(w, "  enqueue <kind> <json>   Queue an action")
	fmt.Fprintln(w, "  sync [--no-wait]        Run a sync pass")
	fmt.Fprintln(w, "  clear --yes             Drop every queued action")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Setup:")
	fmt.Fprintln(w, "  init                    Write a config file")
	fmt.Fprintln(w, "  token                   Mint an API bearer token")
	fmt.Fprintln(w, "  version                 Show version")
}

// loadConfig loads path, writing a default config there when it does not
// exist yet.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.SaveAs(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			cfg.ApplyEnv()
			if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
