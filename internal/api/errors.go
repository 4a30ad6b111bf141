package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/bus"
	"github.com/lalith-99/podsync/internal/ledger"
	"github.com/lalith-99/podsync/internal/models"
	"go.uber.org/zap"
)

// Error codes in the "code" field of every error body.
const (
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeBanned            = "BANNED"
	CodeCooldown          = "COOLDOWN"
	CodeNotFound          = "NOT_FOUND"
	CodeOwnerMustTransfer = "OWNER_MUST_TRANSFER_FIRST"
	CodeUploadFailed      = "UPLOAD_FAILED"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInternal          = "INTERNAL"
)

// Classify maps a domain error to its HTTP status and error code. ok is
// false for errors that have no public mapping.
func Classify(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, models.ErrCooldown):
		return http.StatusTooManyRequests, CodeCooldown, true
	case errors.Is(err, models.ErrBanned):
		return http.StatusForbidden, CodeBanned, true
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden, CodePermissionDenied, true
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, true
	case errors.Is(err, models.ErrOwnerMustTransferFirst):
		return http.StatusConflict, CodeOwnerMustTransfer, true
	case errors.Is(err, models.ErrUploadFailed):
		return http.StatusBadGateway, CodeUploadFailed, true
	case errors.Is(err, ledger.ErrInvalidPod), errors.Is(err, bus.ErrEmptyMessage):
		return http.StatusBadRequest, CodeInvalidRequest, true
	}
	return http.StatusInternalServerError, CodeInternal, false
}

// respondError writes the body for err. Unmapped errors are logged and
// returned as a 500 with msg.
func respondError(c *gin.Context, logger *zap.Logger, err error, msg string) {
	status, code, ok := Classify(err)
	if !ok {
		logger.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg, "code": code})
		return
	}

	body := gin.H{"error": err.Error(), "code": code}
	if code == CodeUploadFailed {
		// The wrapped cause names the store's endpoint.
		body["error"] = models.ErrUploadFailed.Error()
	}
	var cooldown *models.CooldownError
	if errors.As(err, &cooldown) {
		body["minutes_remaining"] = cooldown.MinutesRemaining
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": CodeInvalidRequest})
}

// podID parses the :id path parameter, writing a 400 on failure.
func podID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid pod id")
		return uuid.Nil, false
	}
	return id, true
}
