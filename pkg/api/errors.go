package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/fathomlabs/fathom/pkg/engine"
)

// errorResponse is the JSON body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps engine errors to HTTP status codes and writes the JSON
// error body. Unexpected errors become 500 and are logged.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
	case errors.Is(err, engine.ErrEmptyQuery),
		errors.Is(err, engine.ErrQueryTooLong),
		errors.Is(err, engine.ErrKeysIncomplete):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrForbiddenPath):
		c.JSON(http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, os.ErrNotExist):
		c.JSON(http.StatusNotFound, errorResponse{Error: "file not found"})
	default:
		logger.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
