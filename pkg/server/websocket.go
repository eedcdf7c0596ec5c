package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/uplink/pkg/protocol"
)

// wsTransport writes frames as binary WebSocket messages.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// HandleWebSocket upgrades the request and serves the connection until the
// transport closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sc := s.config.SessionConfig
	c := s.Connect(&wsTransport{conn: ws, writeTimeout: sc.WriteTimeout}, r.RemoteAddr)

	done := make(chan struct{})
	go s.pingLoop(c, ws, done)

	s.readLoop(c, ws)
	close(done)
	c.Close()
}

func (s *Server) readLoop(c *Connection, ws *websocket.Conn) {
	sc := s.config.SessionConfig
	ws.SetReadLimit(sc.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(sc.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(sc.ReadTimeout))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(sc.ReadTimeout))

		if mt != websocket.BinaryMessage {
			c.replyError("read", protocol.Violation("expected a binary message"))
			continue
		}
		c.HandleMessage(data)
	}
}

func (s *Server) pingLoop(c *Connection, ws *websocket.Conn, done <-chan struct{}) {
	sc := s.config.SessionConfig
	ticker := time.NewTicker(sc.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(sc.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.closeTransport()
				return
			}
		}
	}
}
