// Command init-remote creates the Slopeside tables on the remote database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/slopeside/slopeside/internal/config"
	"github.com/slopeside/slopeside/internal/remote"
)

func main() {
	dbURL := flag.String("db", os.Getenv(config.EnvRemoteURL), "Remote database URL (libsql:// or https://)")
	authToken := flag.String("token", os.Getenv(config.EnvRemoteToken), "Remote auth token")
	flag.Parse()

	if *dbURL == "" {
		fmt.Println("Usage: init-remote -db <database-url> -token <auth-token>")
		fmt.Printf("Or set %s and %s environment variables\n", config.EnvRemoteURL, config.EnvRemoteToken)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *authToken != "" {
		if exp, ok, err := remote.TokenExpiry(*authToken); err == nil && ok && exp.Before(time.Now()) {
			logger.Warn("auth token has expired", "expiredAt", exp)
		}
	}

	client := remote.NewClient(*dbURL, *authToken, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger.Info("creating remote schema", "url", *dbURL)
	if err := client.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}

	logger.Info("schema created", "tables", "events, event_participants, profiles, messages")
}
