package cli

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/slopeside/slopeside/internal/config"
)

// InitCommand handles the 'slopesync init' subcommand. It writes a config
// file with the remote service and storage settings.
func InitCommand(args []string) int {
	return initCommand(args, os.Stdin, os.Stdout, os.Stderr)
}

func initCommand(args []string, in io.Reader, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("slopesync init", flag.ContinueOnError)
	fs.SetOutput(errOut)
	nonInteractive := fs.Bool("non-interactive", false, "Run without prompts (requires --remote-url)")
	remoteURL := fs.String("remote-url", "", "Remote database URL (libsql:// or https://)")
	backend := fs.String("store", "file", "Queue store backend: file, sqlite")
	dataDir := fs.String("data-dir", "./data", "Directory for queue data")
	enableMQTT := fs.Bool("mqtt", false, "Publish queue status over MQTT")
	outputPath := fs.String("output", "slopesync.toml", "Output config file path (.toml, .yaml or .json)")
	force := fs.Bool("force", false, "Overwrite an existing config file")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	reader := bufio.NewReader(in)

	if _, err := os.Stat(*outputPath); err == nil && !*force {
		if *nonInteractive {
			fmt.Fprintf(errOut, "Error: %s already exists (use --force)\n", *outputPath)
			return 1
		}
		answer := prompt(reader, out, fmt.Sprintf("Config file %s already exists. Overwrite? [y/N]", *outputPath), "n")
		if !isYes(answer) {
			fmt.Fprintln(out, "Aborted.")
			return 0
		}
	}

	if !*nonInteractive {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  🏂 slopesync init")
		fmt.Fprintln(out)
		*remoteURL = prompt(reader, out, "Remote database URL", *remoteURL)
		*backend = prompt(reader, out, "Queue store (file, sqlite)", *backend)
		*dataDir = prompt(reader, out, "Data directory", *dataDir)
		*enableMQTT = isYes(prompt(reader, out, "Publish status over MQTT? [y/N]", "n"))
	}

	if *remoteURL == "" {
		fmt.Fprintln(errOut, "Error: a remote database URL is required")
		return 1
	}

	cfg := buildConfig(*remoteURL, *backend, *dataDir, *enableMQTT)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	if err := cfg.SaveAs(*outputPath); err != nil {
		fmt.Fprintf(errOut, "Error saving config: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "✅ Config written to %s\n", *outputPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  export %s=<database token>\n", config.EnvRemoteToken)
	fmt.Fprintf(out, "  slopesync run --config %s\n", *outputPath)
	return 0
}

func prompt(reader *bufio.Reader, out io.Writer, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", label, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", label)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "y" || s == "yes"
}

func buildConfig(remoteURL, backend, dataDir string, enableMQTT bool) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Remote.URL = remoteURL
	cfg.Store.Backend = strings.ToLower(backend)
	cfg.Server.DataDir = dataDir
	cfg.MQTT.Enabled = enableMQTT
	return cfg
}
