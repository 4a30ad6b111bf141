package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/models"
)

// Every method takes a context.Context first: the ledger and the bus
// pass the caller's request context down so a cancelled request stops
// its query.

// PodRepository persists the Membership Ledger.
//
// The ledger owns the in-memory authoritative copy of each pod; this
// interface is how that copy is loaded the first time and how every
// applied transition is made durable before it becomes visible.
type PodRepository interface {
	// Create inserts a new pod. The owner gets an OWNER membership row.
	Create(ctx context.Context, pod *models.Pod) error

	// Load returns the pod row and every membership record for it.
	// Returns nil, nil, nil if the pod does not exist.
	Load(ctx context.Context, podID uuid.UUID) (*models.Pod, []models.MembershipRecord, error)

	// Version returns the stored version of the pod row. ok is false if
	// the pod does not exist.
	Version(ctx context.Context, podID uuid.UUID) (version int64, ok bool, err error)

	// SaveTransition writes the updated pod row, the changed membership
	// records and the audit entry in one transaction.
	SaveTransition(ctx context.Context, pod *models.Pod, changed []models.MembershipRecord, entry models.AuditEntry) error

	// ListAudit returns the pod's audit trail, oldest first.
	// Returns an empty slice (not nil) when there is nothing recorded.
	ListAudit(ctx context.Context, podID uuid.UUID) ([]models.AuditEntry, error)
}

// MessageRepository is the durable per-pod message log.
type MessageRepository interface {
	// Append stores a canonical message. (PodID, Seq) is unique.
	Append(ctx context.Context, msg *models.Message) error

	// ListByPod returns the full history of a pod in publish order.
	ListByPod(ctx context.Context, podID uuid.UUID) ([]models.Message, error)

	// ListAfter returns the pod's messages with afterSeq < seq < beforeSeq
	// in publish order.
	ListAfter(ctx context.Context, podID uuid.UUID, afterSeq, beforeSeq int64) ([]models.Message, error)

	// LastSeq returns the highest sequence number used in the pod, 0 if
	// the pod has no messages yet.
	LastSeq(ctx context.Context, podID uuid.UUID) (int64, error)

	// Exists reports whether messageID belongs to podID.
	Exists(ctx context.Context, podID uuid.UUID, messageID uuid.UUID) (bool, error)
}

// UserRepository is a read-only view of the external identity store.
type UserRepository interface {
	// GetByID returns a user by ID. Returns nil, nil if not found.
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
}
