package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/middleware"
	"github.com/lalith-99/podsync/internal/service"
	"go.uber.org/zap"
)

// MessageHandler publishes chat messages and serves pod history.
type MessageHandler struct {
	messages       *service.MessageService
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewMessageHandler(messages *service.MessageService, maxUploadBytes int64, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, maxUploadBytes: maxUploadBytes, logger: logger}
}

// Create handles POST /v1/pods/:id/messages
//
// Accepts either a JSON body or a multipart form with an optional "file"
// part. Multipart text fields use the same names as the JSON keys.
func (h *MessageHandler) Create(c *gin.Context) {
	id, ok := podID(c)
	if !ok {
		return
	}

	var in service.SendInput
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if !h.bindMultipart(c, &in) {
			return
		}
	} else if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), id, middleware.GetUserID(c), in)
	if err != nil {
		respondError(c, h.logger, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *MessageHandler) bindMultipart(c *gin.Context, in *service.SendInput) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	if err := c.Request.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "attachment too large", "code": CodeInvalidRequest})
			return false
		}
		badRequest(c, "invalid multipart form")
		return false
	}

	in.Content = c.PostForm("content")
	in.ClientTempID = c.PostForm("client_temp_id")
	if raw := c.PostForm("reply_to_id"); raw != "" {
		replyTo, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, "invalid reply_to_id")
			return false
		}
		in.ReplyToID = &replyTo
	}

	header, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return true
	}
	if err != nil {
		badRequest(c, "invalid file")
		return false
	}

	f, err := header.Open()
	if err != nil {
		badRequest(c, "invalid file")
		return false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		badRequest(c, "invalid file")
		return false
	}
	in.File = &service.File{Name: header.Filename, Data: data}
	return true
}

// List handles GET /v1/pods/:id/messages
//
// Returns the full history in seq order. Only current members may read it.
func (h *MessageHandler) List(c *gin.Context) {
	id, ok := podID(c)
	if !ok {
		return
	}

	msgs, err := h.messages.History(c.Request.Context(), id, middleware.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, msgs)
}
