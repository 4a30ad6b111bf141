package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/podsync/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func (s *MessageStore) Append(ctx context.Context, msg *models.Message) error {
	// id, seq and created_at come from the bus, not from Postgres: the
	// bus has already fixed the publish order before it writes.
	query := `
		INSERT INTO pod_messages (
			id, pod_id, seq, sender_id, sender_display_name, content,
			attachment_url, attachment_type, reply_to_id, message_type,
			client_temp_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		msg.ID,
		msg.PodID,
		msg.Seq,
		msg.SenderID,
		msg.SenderDisplayName,
		msg.Content,
		msg.AttachmentURL,
		string(msg.AttachmentType),
		msg.ReplyToID,
		string(msg.MessageType),
		msg.ClientTempID,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const selectMessages = `
	SELECT id, pod_id, seq, sender_id, sender_display_name, content,
	       attachment_url, attachment_type, reply_to_id, message_type,
	       client_temp_id, created_at
	FROM pod_messages`

func (s *MessageStore) ListByPod(ctx context.Context, podID uuid.UUID) ([]models.Message, error) {
	query := selectMessages + `
		WHERE pod_id = $1
		ORDER BY seq ASC`

	return s.list(ctx, query, podID)
}

func (s *MessageStore) ListAfter(ctx context.Context, podID uuid.UUID, afterSeq, beforeSeq int64) ([]models.Message, error) {
	query := selectMessages + `
		WHERE pod_id = $1 AND seq > $2 AND seq < $3
		ORDER BY seq ASC`

	return s.list(ctx, query, podID, afterSeq, beforeSeq)
}

func (s *MessageStore) list(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg            models.Message
			attachmentType string
			messageType    string
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.PodID,
			&msg.Seq,
			&msg.SenderID,
			&msg.SenderDisplayName,
			&msg.Content,
			&msg.AttachmentURL,
			&attachmentType,
			&msg.ReplyToID,
			&messageType,
			&msg.ClientTempID,
			&msg.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.AttachmentType = models.AttachmentType(attachmentType)
		msg.MessageType = models.MessageType(messageType)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

func (s *MessageStore) LastSeq(ctx context.Context, podID uuid.UUID) (int64, error) {
	query := `SELECT COALESCE(MAX(seq), 0) FROM pod_messages WHERE pod_id = $1`

	var seq int64
	if err := s.pool.QueryRow(ctx, query, podID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last message seq: %w", err)
	}
	return seq, nil
}

func (s *MessageStore) Exists(ctx context.Context, podID uuid.UUID, messageID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM pod_messages
			WHERE pod_id = $1 AND id = $2
		)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, podID, messageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check message: %w", err)
	}
	return exists, nil
}
