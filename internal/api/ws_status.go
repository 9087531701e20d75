package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsPingInterval keeps idle status streams alive through proxies.
const wsPingInterval = 30 * time.Second

// handleStatusWS streams queue status snapshots over a websocket. The
// current status is sent on connect and then again on every change.
// Authentication happens in the middleware, which accepts ?token= for
// clients that cannot set headers.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	watch := s.queue.Watch()
	defer watch.Close()

	s.logger.Info("status stream connected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("status stream ended", "remote", r.RemoteAddr)
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case st, ok := <-watch.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "queue stopped")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, st)
			cancel()
			if err != nil {
				s.logger.Debug("status stream write failed", "error", err)
				return
			}
		}
	}
}
