//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// shutdownSignals returns the signals that stop the daemon on Unix systems
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// handleSignals serves SIGHUP (config reload) and SIGUSR1 (sync now) until
// ctx is done.
func (a *App) handleSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				a.Logger.Info("reload signal received")
				a.reload()
			case syscall.SIGUSR1:
				started := a.Queue.ForceSync()
				a.Logger.Info("sync signal received", "started", started)
			}
		}
	}
}
