package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/monitor"
	"github.com/t77yq/alert-dispatch/internal/sender"
	"github.com/t77yq/alert-dispatch/internal/storage"
)

// statusOf maps domain errors onto HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, monitor.ErrAlertNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrAlertResolved), errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrInvalidAlert),
		errors.Is(err, monitor.ErrInvalidChannel),
		errors.Is(err, monitor.ErrInvalidWindow),
		errors.Is(err, monitor.ErrInvalidSilence),
		errors.Is(err, monitor.ErrInvalidPolicy),
		errors.Is(err, sender.ErrConfiguration),
		errors.Is(err, sender.ErrValidation),
		errors.Is(err, sender.ErrUnsupportedChannel):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		_ = c.Error(err)
		c.JSON(code, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
