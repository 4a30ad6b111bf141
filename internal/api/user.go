package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/middleware"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/lalith-99/podsync/internal/repository"
	"go.uber.org/zap"
)

// UserHandler is a read-only view of the identity store.
type UserHandler struct {
	repo   repository.UserRepository
	logger *zap.Logger
}

func NewUserHandler(repo repository.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{repo: repo, logger: logger}
}

// profile is what other users may see. Email stays private.
type profile struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
}

// GetMe handles GET /v1/users/me
func (h *UserHandler) GetMe(c *gin.Context) {
	user, ok := h.lookup(c, middleware.GetUserID(c))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, user)
}

// Get handles GET /v1/users/:id
//
// Clients use it to render names for senders they have not seen yet.
func (h *UserHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid user id")
		return
	}

	user, ok := h.lookup(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, profile{ID: user.ID, DisplayName: user.DisplayName})
}

func (h *UserHandler) lookup(c *gin.Context, id uuid.UUID) (*models.User, bool) {
	user, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to get user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get user", "code": CodeInternal})
		return nil, false
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found", "code": CodeNotFound})
		return nil, false
	}
	return user, true
}
