package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/attachment"
	"github.com/lalith-99/podsync/internal/bus"
	"github.com/lalith-99/podsync/internal/ledger"
	"github.com/lalith-99/podsync/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type MessageService struct {
	ledger *ledger.Ledger
	bus    *bus.Bus
	store  attachment.Store
	names  *Directory
	logger *zap.Logger
}

func NewMessageService(l *ledger.Ledger, b *bus.Bus, store attachment.Store, names *Directory, logger *zap.Logger) *MessageService {
	return &MessageService{
		ledger: l,
		bus:    b,
		store:  store,
		names:  names,
		logger: logger.Named("messages"),
	}
}

// File is an attachment as received from the client.
type File struct {
	Name string
	Data []byte
}

type SendInput struct {
	Content      string     `json:"content"`
	ReplyToID    *uuid.UUID `json:"reply_to_id,omitempty"`
	ClientTempID string     `json:"client_temp_id,omitempty"`
	File         *File      `json:"-"`
}

// Send publishes a chat message. An attachment is uploaded first; if the
// upload fails nothing is published.
func (s *MessageService) Send(ctx context.Context, podID, senderID uuid.UUID, in SendInput) (msg *models.Message, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "messages.send",
		trace.WithAttributes(
			attribute.String("pod.id", podID.String()),
			attribute.Bool("message.has_file", in.File != nil),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	env := models.Envelope{
		SenderID:     senderID,
		Content:      in.Content,
		ReplyToID:    in.ReplyToID,
		MessageType:  models.MessageChat,
		ClientTempID: in.ClientTempID,
	}

	if in.File != nil {
		// Refuse early so outsiders cannot push blobs to the store. The
		// bus checks again when publishing.
		if err := s.requireMember(ctx, podID, senderID); err != nil {
			return nil, err
		}
		att, err := s.store.Upload(ctx, in.File.Name, in.File.Data)
		if err != nil {
			s.logger.Warn("attachment upload failed",
				zap.String("pod_id", podID.String()),
				zap.String("sender_id", senderID.String()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("upload attachment: %w", err)
		}
		env.Attachment = att
	}

	env.SenderDisplayName = s.names.DisplayName(ctx, senderID)
	return s.bus.Publish(ctx, podID, env)
}

// History returns the pod's full log to a current member.
func (s *MessageService) History(ctx context.Context, podID, userID uuid.UUID) ([]models.Message, error) {
	if err := s.requireMember(ctx, podID, userID); err != nil {
		return nil, err
	}
	return s.bus.History(ctx, podID)
}

// Subscribe opens a live subscription for a current member.
func (s *MessageService) Subscribe(ctx context.Context, podID, userID uuid.UUID) (*bus.Subscription, error) {
	return s.bus.Subscribe(ctx, podID, userID)
}

func (s *MessageService) Unsubscribe(sub *bus.Subscription) {
	s.bus.Unsubscribe(sub)
}

func (s *MessageService) requireMember(ctx context.Context, podID, userID uuid.UUID) error {
	role, err := s.ledger.GetRole(ctx, podID, userID)
	if err != nil {
		return err
	}
	if !role.AtLeast(models.RoleMember) {
		return models.ErrPermissionDenied
	}
	return nil
}
