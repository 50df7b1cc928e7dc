package devhub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rmacdonaldsmith/socialsync/pkg/hubclient"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWebSocket upgrades a hub request and pumps frames until either side
// closes.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	p, err := s.admit(r.Header, r.URL.EscapedPath(), "websocket")
	if err != nil {
		var he *hubError
		errors.As(err, &he)
		writeError(w, err.Error(), he.status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.open(p)
	go s.wsWritePump(conn, p)
	s.wsReadPump(r.Context(), conn, p)
	s.closePeer(p)
}

func (s *Server) wsReadPump(ctx context.Context, conn *websocket.Conn, p *peer) {
	conn.SetReadLimit(1 << 20)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", "peer", p.id, "error", err)
			}
			return
		}

		var f hubclient.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping malformed frame", "peer", p.id, "error", err)
			continue
		}
		if f.Type == hubclient.FrameInvoke {
			p.deliver(s.invoke(ctx, p, f))
		}
	}
}

func (s *Server) wsWritePump(conn *websocket.Conn, p *peer) {
	for {
		select {
		case f := <-p.out:
			data, err := json.Marshal(f)
			if err != nil {
				s.logger.Error("failed to encode frame", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.closePeer(p)
				conn.Close()
				return
			}
		case <-p.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return
		}
	}
}
