package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsCloseTimeout = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth and origin policy live outside this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamWebSocket serves the session event log over a WebSocket: backlog
// first, then live events, each as one JSON text message. The stream ends
// with a normal close frame when the session reaches a terminal status.
func (s *Server) streamWebSocket(c *gin.Context) {
	sub, err := s.engine.Subscribe(c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		return
	}
	defer conn.Close()
	defer sub.Close()

	// Read pump: clients send nothing meaningful, but reading surfaces
	// close frames and dead connections.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				deadline := time.Now().Add(wsCloseTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
