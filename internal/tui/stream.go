package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/slopeside/slopeside/internal/offline"
)

const maxBackoff = 30 * time.Second

// statusMsg carries a status snapshot from the daemon.
type statusMsg offline.Status

// connMsg reports a stream (re)connect. err is nil once connected.
type connMsg struct {
	err error
}

// Stream relays the daemon status stream into events, reconnecting with
// exponential backoff until ctx is done.
func Stream(ctx context.Context, c *Client, events chan<- tea.Msg) {
	backoff := time.Second
	for {
		conn, err := c.DialStatus(ctx)
		if err == nil {
			backoff = time.Second
			send(ctx, events, connMsg{})
			err = readStatus(ctx, conn, events)
			conn.CloseNow() //nolint:errcheck
		}
		if ctx.Err() != nil {
			return
		}
		send(ctx, events, connMsg{err: err})

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func readStatus(ctx context.Context, conn *websocket.Conn, events chan<- tea.Msg) error {
	for {
		var st offline.Status
		if err := wsjson.Read(ctx, conn, &st); err != nil {
			return err
		}
		send(ctx, events, statusMsg(st))
	}
}

func send(ctx context.Context, events chan<- tea.Msg, msg tea.Msg) {
	select {
	case events <- msg:
	case <-ctx.Done():
	}
}

// waitForEvent delivers the next stream event to the program.
func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return nil
		}
		return msg
	}
}
