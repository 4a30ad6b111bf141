package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/podsync/internal/models"
)

type PodStore struct {
	pool *pgxpool.Pool
}

func NewPodStore(pool *pgxpool.Pool) *PodStore {
	return &PodStore{pool: pool}
}

func (s *PodStore) Create(ctx context.Context, pod *models.Pod) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create pod: %w", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO pods (id, name, scope, owner_id, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = tx.Exec(ctx, query,
		pod.ID, pod.Name, string(pod.Scope), pod.OwnerID,
		string(pod.Status), pod.Version, pod.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pod: %w", err)
	}

	owner := models.MembershipRecord{PodID: pod.ID, UserID: pod.OwnerID, Role: models.RoleOwner}
	if err := upsertRecord(ctx, tx, owner); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create pod: %w", err)
	}
	return nil
}

func (s *PodStore) Load(ctx context.Context, podID uuid.UUID) (*models.Pod, []models.MembershipRecord, error) {
	query := `
		SELECT id, name, scope, owner_id, status, version, created_at
		FROM pods
		WHERE id = $1`

	var (
		pod    models.Pod
		scope  string
		status string
	)
	err := s.pool.QueryRow(ctx, query, podID).Scan(
		&pod.ID,
		&pod.Name,
		&scope,
		&pod.OwnerID,
		&status,
		&pod.Version,
		&pod.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get pod: %w", err)
	}
	pod.Scope = models.Scope(scope)
	pod.Status = models.PodStatus(status)

	records, err := listRecords(ctx, s.pool, podID)
	if err != nil {
		return nil, nil, err
	}
	return &pod, records, nil
}

func (s *PodStore) Version(ctx context.Context, podID uuid.UUID) (int64, bool, error) {
	query := `SELECT version FROM pods WHERE id = $1`

	var version int64
	err := s.pool.QueryRow(ctx, query, podID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get pod version: %w", err)
	}
	return version, true, nil
}

func (s *PodStore) SaveTransition(ctx context.Context, pod *models.Pod, changed []models.MembershipRecord, entry models.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The version guard turns a concurrent writer on another node into
	// an error instead of a lost update.
	query := `
		UPDATE pods
		SET owner_id = $2, status = $3, version = $4
		WHERE id = $1 AND version = $4 - 1`

	tag, err := tx.Exec(ctx, query, pod.ID, pod.OwnerID, string(pod.Status), pod.Version)
	if err != nil {
		return fmt.Errorf("update pod: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update pod %s: version %d is stale", pod.ID, pod.Version-1)
	}

	for _, rec := range changed {
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *PodStore) ListAudit(ctx context.Context, podID uuid.UUID) ([]models.AuditEntry, error) {
	query := `
		SELECT id, pod_id, kind, actor_id, target_id, reason, created_at
		FROM pod_audit
		WHERE pod_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, podID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	entries := make([]models.AuditEntry, 0)
	for rows.Next() {
		var (
			e    models.AuditEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.PodID, &kind, &e.ActorID, &e.TargetID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = models.TransitionKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return entries, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, e models.AuditEntry) error {
	query := `
		INSERT INTO pod_audit (id, pod_id, kind, actor_id, target_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.Exec(ctx, query, e.ID, e.PodID, string(e.Kind), e.ActorID, e.TargetID, e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
