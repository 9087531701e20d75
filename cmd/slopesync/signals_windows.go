//go:build windows

package main

import (
	"context"
	"os"
	"syscall"
)

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

// handleSignals has nothing to serve on Windows; reloads come from the
// config watcher alone.
func (a *App) handleSignals(ctx context.Context) {
	<-ctx.Done()
}
