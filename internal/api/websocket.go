package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// closeCodeUnauthorised is sent when the WebSocket handshake carries a
// bad API key. The upgrade completes first so the client library sees a
// close frame it can report, rather than an opaque failed handshake.
const closeCodeUnauthorised = 4401

// defaultPingInterval keeps idle connections alive through proxies when
// no interval is configured.
const defaultPingInterval = 30 * time.Second

// defaultWriteTimeout bounds each frame write.
const defaultWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from arbitrary origins on plant networks.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPing is the keepalive frame. It travels as a JSON text message, not
// a protocol-level ping, so browser clients can observe it.
type wsPing struct {
	Type string `json:"type"`
}

// handleWebSocket upgrades the connection and streams runtime messages
// until the client goes away or the server shuts down.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	authorised := s.keyAuthorised(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close() //nolint:errcheck // Close error on a dying socket is uninteresting

	if !authorised {
		deadline := time.Now().Add(s.writeTimeout())
		//nolint:errcheck // The client may already be gone
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeUnauthorised, "invalid API key"),
			deadline)
		return
	}

	queue := s.runtime.Subscribe()
	defer s.runtime.Unsubscribe(queue)

	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	// Reader: the client sends nothing meaningful, but reading is how we
	// learn about closes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Pings are sent only after a full interval with no delivered
	// message, so the timer resets on every queue write.
	idle := time.NewTimer(s.pingInterval())
	defer idle.Stop()

	for {
		select {
		case msg, ok := <-queue:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, msg); err != nil {
				s.logger.Debug("websocket write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.pingInterval())
		case <-idle.C:
			if err := s.writeFrame(conn, wsPing{Type: "ping"}); err != nil {
				return
			}
			idle.Reset(s.pingInterval())
		case <-done:
			s.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
			return
		case <-s.serverDone():
			return
		}
	}
}

// writeFrame sends one JSON frame under the write deadline.
func (s *Server) writeFrame(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout())); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (s *Server) pingInterval() time.Duration {
	if d := s.cfg.PingInterval(); d > 0 {
		return d
	}
	return defaultPingInterval
}

func (s *Server) writeTimeout() time.Duration {
	if d := s.cfg.WSWriteTimeout(); d > 0 {
		return d
	}
	return defaultWriteTimeout
}

// serverDone exposes shutdown to the per-connection loops. Before Start
// (as in handler-level tests) there is nothing to wait on.
func (s *Server) serverDone() <-chan struct{} {
	if s.baseCtx == nil {
		return nil
	}
	return s.baseCtx.Done()
}
