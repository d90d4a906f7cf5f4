package http

import (
	"context"
	"errors"
	"net/http"

	"collaborative-mindmap/internal/hub"
	"collaborative-mindmap/internal/protocol"
	"collaborative-mindmap/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// StatusFor maps an error from the hub or the snapshot service to an HTTP
// status code.
func StatusFor(err error) int {
	if errors.Is(err, service.ErrSnapshotUnavailable) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch hub.CodeFor(err) {
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeInvalidReference:
		return http.StatusUnprocessableEntity
	case protocol.CodeBadRequest:
		return http.StatusBadRequest
	case protocol.CodeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func HandleServiceError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Unhandled internal server error")
		ErrorResponse(c, status, "An unexpected error occurred")
		return
	}
	ErrorResponse(c, status, err.Error())
}
