package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lalith-99/podsync/internal/models"
)

// execer and rowQuerier are the parts of pgxpool.Pool and pgx.Tx the
// membership helpers need, so the same code runs inside and outside a
// transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func upsertRecord(ctx context.Context, q execer, rec models.MembershipRecord) error {
	// Records are never deleted while the pod exists: a NONE row keeps
	// last_left_at and banned_at around for the cooldown and ban checks.
	query := `
		INSERT INTO pod_memberships (pod_id, user_id, role, last_left_at, banned_at, ban_reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pod_id, user_id) DO UPDATE
		SET role = EXCLUDED.role,
		    last_left_at = EXCLUDED.last_left_at,
		    banned_at = EXCLUDED.banned_at,
		    ban_reason = EXCLUDED.ban_reason`

	_, err := q.Exec(ctx, query, rec.PodID, rec.UserID, rec.Role.String(), rec.LastLeftAt, rec.BannedAt, rec.BanReason)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func listRecords(ctx context.Context, q rowQuerier, podID uuid.UUID) ([]models.MembershipRecord, error) {
	query := `
		SELECT pod_id, user_id, role, last_left_at, banned_at, ban_reason
		FROM pod_memberships
		WHERE pod_id = $1`

	rows, err := q.Query(ctx, query, podID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	records := make([]models.MembershipRecord, 0)
	for rows.Next() {
		var (
			rec  models.MembershipRecord
			role string
		)
		if err := rows.Scan(&rec.PodID, &rec.UserID, &role, &rec.LastLeftAt, &rec.BannedAt, &rec.BanReason); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		if rec.Role, err = models.ParseRole(role); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return records, nil
}
