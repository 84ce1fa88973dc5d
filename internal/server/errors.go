package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/notemax/notesync/internal/notes"
	"go.uber.org/zap"
)

// respondServiceError maps document store failures onto HTTP responses. Unexpected
// failures carry the service error code for diagnosis.
func (h *httpHandler) respondServiceError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, notes.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
	case errors.Is(err, notes.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
	case errors.Is(err, notes.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, notes.ErrInvalidNote), errors.Is(err, notes.ErrInvalidNoteID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		response := gin.H{"error": operation + "_failed"}
		var serviceErr *notes.ServiceError
		if errors.As(err, &serviceErr) {
			response["code"] = serviceErr.Code()
		}
		c.JSON(http.StatusInternalServerError, response)
	}
}

// bindingErrorCode turns a request binding failure into an invalid_<field> code.
func bindingErrorCode(err error) string {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		return "invalid_" + strings.ToLower(validationErrs[0].Field())
	}
	return "invalid_request"
}
