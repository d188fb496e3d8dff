package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamEvents serves the session event log as Server-Sent Events: the full
// backlog first, then live events, until the session ends or the client
// disconnects.
func (s *Server) streamEvents(c *gin.Context) {
	sub, err := s.engine.Subscribe(c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := ev.MarshalData()
			if err != nil {
				s.logger.Warn("Failed to marshal event payload", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data)
			c.Writer.Flush()
		}
	}
}
