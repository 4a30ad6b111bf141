package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/podsync/internal/api"
	"github.com/lalith-99/podsync/internal/bus"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/lalith-99/podsync/internal/observ"
	"github.com/lalith-99/podsync/internal/service"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxInboundBytes = 64 << 10
	replyBuffer     = 16
)

// Client frame types.
const (
	TypeSend = "message.send"
	TypePing = "ping"
)

// Server frame types besides the bus frames.
const (
	TypeError = "error"
	TypePong  = "pong"
)

// Inbound is a frame sent by the client.
type Inbound struct {
	Type         string     `json:"type"`
	Content      string     `json:"content,omitempty"`
	ReplyToID    *uuid.UUID `json:"reply_to_id,omitempty"`
	ClientTempID string     `json:"client_temp_id,omitempty"`
}

// ErrorFrame reports a rejected client frame. ClientTempID identifies the
// optimistic message that failed, if any.
type ErrorFrame struct {
	Type             string `json:"type"`
	Code             string `json:"code"`
	Error            string `json:"error"`
	ClientTempID     string `json:"client_temp_id,omitempty"`
	MinutesRemaining int    `json:"minutes_remaining,omitempty"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type client struct {
	conn     *websocket.Conn
	sub      *bus.Subscription
	messages *service.MessageService
	replies  chan any
	logger   *zap.Logger
}

func (cl *client) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	cl.conn.SetReadLimit(maxInboundBytes)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cl.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			cl.reply(ctx, ErrorFrame{Type: TypeError, Code: api.CodeInvalidRequest, Error: "malformed frame"})
			continue
		}
		cl.handle(ctx, in)
	}
}

func (cl *client) handle(ctx context.Context, in Inbound) {
	switch in.Type {
	case TypePing:
		cl.reply(ctx, pongFrame{Type: TypePong})
	case TypeSend:
		// Success needs no reply: the message comes back on the
		// subscription carrying the same client_temp_id.
		_, err := cl.messages.Send(ctx, cl.sub.PodID, cl.sub.UserID, service.SendInput{
			Content:      in.Content,
			ReplyToID:    in.ReplyToID,
			ClientTempID: in.ClientTempID,
		})
		if err != nil {
			cl.reply(ctx, cl.errorFrame(err, in.ClientTempID))
		}
	default:
		cl.reply(ctx, ErrorFrame{Type: TypeError, Code: api.CodeInvalidRequest, Error: "unknown frame type " + in.Type})
	}
}

func (cl *client) errorFrame(err error, tempID string) ErrorFrame {
	f := ErrorFrame{Type: TypeError, ClientTempID: tempID}
	_, code, ok := api.Classify(err)
	if !ok {
		cl.logger.Error("failed to send message", zap.Error(err))
		f.Code, f.Error = code, "failed to send message"
		return f
	}
	f.Code, f.Error = code, err.Error()
	var cooldown *models.CooldownError
	if errors.As(err, &cooldown) {
		f.MinutesRemaining = cooldown.MinutesRemaining
	}
	return f
}

func (cl *client) reply(ctx context.Context, v any) {
	if f, ok := v.(ErrorFrame); ok {
		observ.IncWSEvent("error_" + f.Code)
	}
	select {
	case cl.replies <- v:
	case <-ctx.Done():
	}
}

func (cl *client) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		cl.messages.Unsubscribe(cl.sub)
		cl.conn.Close()
		observ.IncWSEvent("disconnect")
		cl.logger.Debug("websocket closed", zap.String("reason", cl.sub.Reason()))
	}()

	for {
		select {
		case frame := <-cl.sub.C():
			if err := cl.write(frame); err != nil {
				return
			}
		case v := <-cl.replies:
			if err := cl.write(v); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.sub.Done():
			// Frames queued before the bus dropped us still go out, so a
			// removed member sees its own removal.
			if err := cl.drain(); err != nil {
				return
			}
			reason := cl.sub.Reason()
			cl.close(closeCode(reason), reason)
			return
		case <-ctx.Done():
			cl.close(websocket.CloseGoingAway, "")
			return
		}
	}
}

func (cl *client) drain() error {
	for {
		select {
		case frame := <-cl.sub.C():
			if err := cl.write(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (cl *client) write(v any) error {
	_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return cl.conn.WriteJSON(v)
}

func (cl *client) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = cl.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func closeCode(reason string) int {
	switch reason {
	case bus.ReasonRemoved:
		return websocket.ClosePolicyViolation
	case bus.ReasonSlow:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}
