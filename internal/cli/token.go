package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/slopeside/slopeside/internal/config"
	"github.com/slopeside/slopeside/internal/security"
)

// TokenCommand handles 'slopesync token': it mints a bearer token for the
// local API, signed with the configured API secret.
func TokenCommand(args []string) int {
	return tokenCommand(args, os.Stdout, os.Stderr)
}

func tokenCommand(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("slopesync token", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "Config file holding server.apiSecret")
	clientID := fs.String("client", "cli", "Client identifier embedded in the token")
	role := fs.String("role", security.RoleApp, "Role: owner, app, readonly")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return 1
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv()
	}

	if cfg.Server.APISecret == "" {
		fmt.Fprintf(errOut, "Error: no API secret configured (set server.apiSecret or %s)\n", config.EnvAPISecret)
		return 1
	}

	token, err := security.GenerateToken(*clientID, *role, []byte(cfg.Server.APISecret), *ttl)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, token)
	return 0
}
