package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/version"
)

// createSessionResponse is returned by POST /api/v1/sessions.
type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// sessionStatusResponse is the snapshot plus the derived flow graph.
type sessionStatusResponse struct {
	*models.Session
	Flow *models.FlowGraph `json:"flow"`
}

// cancelResponse reports whether this call actually triggered cancellation.
type cancelResponse struct {
	SessionID string `json:"session_id"`
	Cancelled bool   `json:"cancelled"`
}

func (s *Server) createSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	id, err := s.engine.CreateSession(&req)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{SessionID: id, Status: string(models.SessionInitializing)})
}

func (s *Server) getSession(c *gin.Context) {
	snap, flow, err := s.engine.Status(c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, sessionStatusResponse{Session: snap, Flow: flow})
}

func (s *Server) getReport(c *gin.Context) {
	report, err := s.engine.Report(c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report))
}

func (s *Server) getFile(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	data, contentType, err := s.engine.File(c.Param("id"), path)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) cancelSession(c *gin.Context) {
	id := c.Param("id")
	fired, err := s.engine.Cancel(id)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, cancelResponse{SessionID: id, Cancelled: fired})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  version.AppName,
		"version":  version.Full(),
		"sessions": s.engine.SessionCount(),
	})
}
