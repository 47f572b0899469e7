package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/smile-run/smile/internal/bus"
)

const (
	// wsKeepalive is the ping interval for idle connections.
	wsKeepalive = 30 * time.Second
	// wsWriteTimeout bounds each event write so one dead client cannot
	// stall its forwarding goroutine.
	wsWriteTimeout = 10 * time.Second
)

// handleWS upgrades the connection and streams loop events. The first
// message is always a connected event carrying the current state snapshot,
// so every observer starts from a known baseline; after that, events arrive
// in broadcast order. A client whose writes fail is dropped on its own.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Observers are local tools and dev UIs; any origin is accepted.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// Subscribe before snapshotting so no event between the two is lost.
	sub := s.events.Subscribe("")
	defer s.events.Unsubscribe(sub)

	// Clients send nothing but protocol-level control frames; CloseRead
	// consumes them and cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if err := s.writeEvent(ctx, conn, bus.Connected(s.coord.Snapshot())); err != nil {
		s.logger.Debug("ws: client gone before snapshot", "error", err)
		return
	}
	s.logger.Info("ws: observer connected")

	keepalive := time.NewTicker(wsKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case env, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, env.Payload); err != nil {
				s.logger.Info("ws: observer dropped", "error", err)
				return
			}
		case <-keepalive.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Info("ws: keepalive failed, dropping observer", "error", err)
				return
			}
		case <-ctx.Done():
			s.logger.Info("ws: observer disconnected")
			return
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.LoopEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
