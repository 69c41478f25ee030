package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/intake/internal/blobstore"
	"github.com/MarcoPoloResearchLab/intake/internal/candidates"
	"github.com/MarcoPoloResearchLab/intake/internal/intake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	internalErrorMessage = "an unexpected error occurred"
	// statusClientClosedRequest is logged when the caller went away mid-request.
	statusClientClosedRequest = 499
)

type errorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Details []candidates.Violation `json:"details,omitempty"`
}

// coded is satisfied by errors that carry a dotted diagnostic code.
type coded interface {
	Code() string
}

// writeError maps domain errors to responses. Storage detail never reaches the body.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var validationErr *candidates.ValidationError
	var conflictErr *candidates.ConflictError
	var malformedErr *intake.MalformedError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_failed", Details: validationErr.Violations})
	case errors.As(err, &malformedErr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: malformedErr.Message})
	case errors.Is(err, intake.ErrMalformedRequest):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "request could not be decoded"})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, errorResponse{Error: "duplicate_email", Message: "a candidate with this email already exists"})
	case isNotFound(err):
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
	case errors.Is(err, context.Canceled):
		h.logger.Info("client went away",
			zap.String("operation", operation),
			zap.String("request_id", c.GetString(requestIDContextKey)))
		c.AbortWithStatus(statusClientClosedRequest)
	default:
		response := errorResponse{Error: "internal_error", Message: internalErrorMessage, Code: errorCode(err)}
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("code", response.Code),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, response)
	}
}

func isNotFound(err error) bool {
	for _, target := range []error{
		candidates.ErrCandidateNotFound,
		candidates.ErrAttachmentNotFound,
		candidates.ErrUnknownSuggestionField,
		blobstore.ErrBlobNotFound,
		blobstore.ErrInvalidLocator,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func errorCode(err error) string {
	var withCode coded
	if errors.As(err, &withCode) {
		return withCode.Code()
	}
	var ioErr *blobstore.UpstreamIOError
	if errors.As(err, &ioErr) {
		return "blobstore." + ioErr.Op
	}
	return ""
}
