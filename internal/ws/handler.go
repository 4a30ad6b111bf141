// Package ws serves live pod subscriptions over websockets.
//
// Each connection owns one bus subscription. The write pump is the only
// goroutine that writes to the socket: it forwards bus frames, replies to
// client requests and keepalive pings. The read pump decodes client frames
// and publishes messages through the message service.
package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/podsync/internal/api"
	"github.com/lalith-99/podsync/internal/middleware"
	"github.com/lalith-99/podsync/internal/observ"
	"github.com/lalith-99/podsync/internal/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades GET /v1/pods/:id/ws.
type Handler struct {
	base     context.Context
	messages *service.MessageService
	logger   *zap.Logger
}

// NewHandler returns a handler whose connections are closed with
// "going away" once base is cancelled.
func NewHandler(base context.Context, messages *service.MessageService, logger *zap.Logger) *Handler {
	return &Handler{
		base:     base,
		messages: messages,
		logger:   logger.Named("ws"),
	}
}

// Serve subscribes the caller before upgrading, so a refused subscription
// is a plain HTTP error rather than a socket that closes immediately.
func (h *Handler) Serve(c *gin.Context) {
	podID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pod id", "code": api.CodeInvalidRequest})
		return
	}
	userID := middleware.GetUserID(c)

	ctx, span := otel.Tracer("github.com/lalith-99/podsync/internal/ws").Start(c.Request.Context(), "ws.handshake")
	span.SetAttributes(attribute.String("pod.id", podID.String()))
	defer span.End()

	sub, err := h.messages.Subscribe(ctx, podID, userID)
	if err != nil {
		status, code, ok := api.Classify(err)
		if !ok {
			h.logger.Error("failed to subscribe", zap.Error(err))
			c.JSON(status, gin.H{"error": "failed to subscribe", "code": code})
			return
		}
		c.JSON(status, gin.H{"error": err.Error(), "code": code})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.messages.Unsubscribe(sub)
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context ends when this handler returns.
	connCtx, cancel := context.WithCancel(h.base)
	cl := &client{
		conn:     conn,
		sub:      sub,
		messages: h.messages,
		replies:  make(chan any, replyBuffer),
		logger: h.logger.With(
			zap.String("pod_id", podID.String()),
			zap.String("user_id", userID.String()),
		),
	}
	cl.logger.Debug("websocket connected")
	observ.IncWSEvent("connect")

	go cl.writePump(connCtx, cancel)
	go cl.readPump(connCtx, cancel)
}
