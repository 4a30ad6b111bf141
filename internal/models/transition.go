package models

import (
	"time"

	"github.com/google/uuid"
)

// TransitionKind names a ledger mutation.
type TransitionKind string

const (
	TransitionJoin     TransitionKind = "JOIN"
	TransitionLeave    TransitionKind = "LEAVE"
	TransitionKick     TransitionKind = "KICK"
	TransitionBan      TransitionKind = "BAN"
	TransitionPromote  TransitionKind = "PROMOTE"
	TransitionDemote   TransitionKind = "DEMOTE"
	TransitionTransfer TransitionKind = "TRANSFER_OWNERSHIP"
	TransitionDelete   TransitionKind = "DELETE"
)

// Transition is a single requested change to a pod.
//
// For JOIN and LEAVE the actor is also the subject and TargetID is
// ignored. For TRANSFER_OWNERSHIP TargetID is the new owner. DELETE has
// no target.
type Transition struct {
	Kind     TransitionKind `json:"kind"`
	ActorID  uuid.UUID      `json:"actor_id"`
	TargetID uuid.UUID      `json:"target_id"`
	Reason   string         `json:"reason,omitempty"`
}

// Subject is the user whose role the transition changes.
func (t Transition) Subject() uuid.UUID {
	switch t.Kind {
	case TransitionJoin, TransitionLeave, TransitionDelete:
		return t.ActorID
	default:
		return t.TargetID
	}
}

func Join(userID uuid.UUID) Transition {
	return Transition{Kind: TransitionJoin, ActorID: userID}
}

func Leave(userID uuid.UUID) Transition {
	return Transition{Kind: TransitionLeave, ActorID: userID}
}

func Kick(actorID, targetID uuid.UUID, reason string) Transition {
	return Transition{Kind: TransitionKick, ActorID: actorID, TargetID: targetID, Reason: reason}
}

func Ban(actorID, targetID uuid.UUID, reason string) Transition {
	return Transition{Kind: TransitionBan, ActorID: actorID, TargetID: targetID, Reason: reason}
}

func Promote(actorID, targetID uuid.UUID) Transition {
	return Transition{Kind: TransitionPromote, ActorID: actorID, TargetID: targetID}
}

func Demote(actorID, targetID uuid.UUID) Transition {
	return Transition{Kind: TransitionDemote, ActorID: actorID, TargetID: targetID}
}

func TransferOwnership(actorID, newOwnerID uuid.UUID) Transition {
	return Transition{Kind: TransitionTransfer, ActorID: actorID, TargetID: newOwnerID}
}

func Delete(actorID uuid.UUID) Transition {
	return Transition{Kind: TransitionDelete, ActorID: actorID}
}

// AuditEntry records one applied transition. Rejected and no-op
// transitions leave no entry.
type AuditEntry struct {
	ID        uuid.UUID      `json:"id"`
	PodID     uuid.UUID      `json:"pod_id"`
	Kind      TransitionKind `json:"kind"`
	ActorID   uuid.UUID      `json:"actor_id"`
	TargetID  *uuid.UUID     `json:"target_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
