package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/middleware"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/lalith-99/podsync/internal/service"
	"go.uber.org/zap"
)

// PodHandler exposes the pod lifecycle.
type PodHandler struct {
	pods   *service.PodService
	logger *zap.Logger
}

func NewPodHandler(pods *service.PodService, logger *zap.Logger) *PodHandler {
	return &PodHandler{pods: pods, logger: logger}
}

type createPodRequest struct {
	Name  string       `json:"name" binding:"required"`
	Scope models.Scope `json:"scope" binding:"required"`
}

// targetRequest is the body of kick, ban, promote and demote.
type targetRequest struct {
	TargetID uuid.UUID `json:"target_id" binding:"required"`
	Reason   string    `json:"reason"`
}

type transferRequest struct {
	NewOwnerID uuid.UUID `json:"new_owner_id" binding:"required"`
}

// Create handles POST /v1/pods. The caller becomes the owner.
func (h *PodHandler) Create(c *gin.Context) {
	var req createPodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	pod, err := h.pods.Create(c.Request.Context(), middleware.GetUserID(c), req.Name, req.Scope)
	if err != nil {
		respondError(c, h.logger, err, "failed to create pod")
		return
	}
	c.JSON(http.StatusCreated, pod)
}

// Get handles GET /v1/pods/:id
func (h *PodHandler) Get(c *gin.Context) {
	id, ok := podID(c)
	if !ok {
		return
	}

	pod, err := h.pods.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get pod")
		return
	}
	c.JSON(http.StatusOK, pod)
}

// Join handles POST /v1/pods/:id/join
func (h *PodHandler) Join(c *gin.Context) {
	id, ok := podID(c)
	if !ok {
		return
	}

	pod, err := h.pods.Join(c.Request.Context(), id, middleware.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err, "failed to join pod")
		return
	}
	c.JSON(http.StatusOK, pod)
}

// Leave handles POST /v1/pods/:id/leave
func (h *PodHandler) Leave(c *gin.Context) {
	id, ok := podID(c)
	if !ok {
		return
	}

	if _, err := h.pods.Leave(c.Request.Context(), id, middleware.GetUserID(c)); err != nil {
		respondError(c, h.logger, err, "failed to leave pod")
		return
	}
	c.Status(http.StatusNoContent)
}

// Kick handles POST /v1/pods/:id/kick
func (h *PodHandler) Kick(c *gin.Context) {
	h.targeted(c, "failed to kick member", func(id uuid.UUID, req targetRequest) (*models.Pod, error) {
		return h.pods.Kick(c.Request.Context(), id, middleware.GetUserID(c), req.TargetID, req.Reason)
	})
}

// Ban handles POST /v1/pods/:id/ban
func (h *PodHandler) Ban(c *gin.Context) {
	h.targeted(c, "failed to ban user", func(id uuid.UUID, req targetRequest) (*models.Pod, error) {
		return h.pods.Ban(c.Request.Context(), id, middleware.GetUserID(c), req.TargetID, req.Reason)
	})
}

// Promote handles POST /v1/pods/:id/promote
func (h *PodHandler) Promote(c *gin.Context) {
	h.targeted(c, "failed to promote member", func(id uuid.UUID, req targetRequest) (*models.Pod, error) {
		return h.pods.Promote(c.Request.Context(), id, middleware.GetUserID(c), req.TargetID)
	})
}

// Demote handles POST /v1/pods/:id/demote
func (h *PodHandler) Demote(c *gin.Context) {
	h.targeted(c, "failed to demote admin", func(id uuid.UUID, req targetRequest) (*models.Pod, error) {
		return h.pods.Demote(c.Request.Context(), id, middleware.GetUserID(c), req.TargetID)
	})
}

func (h *PodHandler) targeted(c *gin.Context, msg string, do func(uuid.UUID, targetRequest) (*models.Pod, error)) {
	id, ok := podID(c)
	if !ok {
		return
	}
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	pod, err := do(id, req)
	if err != nil {
		respondError(c, h.logger, err, msg)
		return
	}
	c.JSON(http.StatusOK, pod)
}

// Transfer handles POST /v1/pods/:id/transfer
func (h *PodHandler) Transfer(c *gin.Context) {
	id, ok := podID(c)
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	pod, err := h.pods.TransferOwnership(c.Request.Context(), id, middleware.GetUserID(c), req.NewOwnerID)
	if err != nil {
		respondError(c, h.logger, err, "failed to transfer ownership")
		return
	}
	c.JSON(http.StatusOK, pod)
}

// Delete handles DELETE /v1/pods/:id
func (h *PodHandler) Delete(c *gin.Context) {
	id, ok := podID(c)
	if !ok {
		return
	}

	if _, err := h.pods.Delete(c.Request.Context(), id, middleware.GetUserID(c)); err != nil {
		respondError(c, h.logger, err, "failed to delete pod")
		return
	}
	c.Status(http.StatusNoContent)
}

// Audit handles GET /v1/pods/:id/audit
func (h *PodHandler) Audit(c *gin.Context) {
	id, ok := podID(c)
	if !ok {
		return
	}

	entries, err := h.pods.Audit(c.Request.Context(), id, middleware.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err, "failed to list audit trail")
		return
	}
	c.JSON(http.StatusOK, entries)
}

// Members handles GET /v1/pods/:id/members
func (h *PodHandler) Members(c *gin.Context) {
	id, ok := podID(c)
	if !ok {
		return
	}

	members, err := h.pods.Members(c.Request.Context(), id, middleware.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err, "failed to list members")
		return
	}
	c.JSON(http.StatusOK, members)
}
