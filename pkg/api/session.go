package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxMessageSize bounds a single request frame.
const maxMessageSize = 64 * 1024

// session serves one /ws connection: every text frame is one request and
// gets exactly one response, in order.
type session struct {
	conn       *websocket.Conn
	id         string
	dispatcher *Dispatcher
	logger     *zap.SugaredLogger
}

// serveSession runs on the connection's own goroutine until the peer goes
// away. A failure here only ever closes this connection.
func (s *Server) serveSession(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("session_upgrade_failed", "err", err)
		return
	}

	sess := &session{
		conn:       conn,
		id:         conn.RemoteAddr().String(),
		dispatcher: s.dispatcher,
		logger:     s.logger,
	}

	n := s.sessions.Add(1)
	s.logger.Infow("session_opened", "session", sess.id, "sessions", n)
	defer func() {
		n := s.sessions.Add(-1)
		s.logger.Infow("session_closed", "session", sess.id, "sessions", n)
	}()

	sess.run()
}

func (s *session) run() {
	defer s.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("session_panic", "session", s.id, "panic", r)
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(stop)

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("session_read_error", "session", s.id, "err", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		resp := s.dispatcher.HandleRaw(raw, s.id)

		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(resp); err != nil {
			s.logger.Debugw("session_write_error", "session", s.id, "err", err)
			return
		}
	}
}

// pingLoop keeps idle connections alive. WriteControl may be called
// concurrently with the request loop's writes.
func (s *session) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
