package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Scope controls who can discover a pod. It has no effect on the
// membership rules; it is carried through for the surrounding system.
type Scope string

const (
	ScopeCampus Scope = "CAMPUS"
	ScopeGlobal Scope = "GLOBAL"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	return s == ScopeCampus || s == ScopeGlobal
}

// PodStatus is the lifecycle state of a pod. DELETED is terminal.
type PodStatus string

const (
	PodActive  PodStatus = "ACTIVE"
	PodDeleted PodStatus = "DELETED"
)

// User is a read-only view of an identity owned by the external
// identity service. We only ever need the display name.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Pod is a snapshot of a pod's role state.
//
// The owner is an implicit top role: OwnerID never appears in AdminIDs,
// MemberIDs or BannedIDs. The ID slices are sorted so two snapshots of
// the same state compare equal.
//
// Version increases by one on every applied transition. Clients use it
// to drop snapshots older than the one they already hold.
type Pod struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	Scope     Scope       `json:"scope"`
	OwnerID   uuid.UUID   `json:"owner_id"`
	AdminIDs  []uuid.UUID `json:"admin_ids"`
	MemberIDs []uuid.UUID `json:"member_ids"`
	BannedIDs []uuid.UUID `json:"banned_ids"`
	Status    PodStatus   `json:"status"`
	Version   int64       `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
}

// RoleOf returns userID's role in the snapshot, NONE if absent.
func (p *Pod) RoleOf(userID uuid.UUID) Role {
	if userID == p.OwnerID {
		return RoleOwner
	}
	if containsID(p.AdminIDs, userID) {
		return RoleAdmin
	}
	if containsID(p.MemberIDs, userID) {
		return RoleMember
	}
	return RoleNone
}

// IsBanned reports whether userID is on the pod's ban list.
func (p *Pod) IsBanned(userID uuid.UUID) bool {
	return containsID(p.BannedIDs, userID)
}

// Active reports whether the pod still accepts transitions.
func (p *Pod) Active() bool {
	return p.Status == PodActive
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// SortIDs orders ids by their string form in place and returns them.
// An empty result is a non-nil slice so JSON renders [] and not null.
func SortIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return make([]uuid.UUID, 0)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// MembershipRecord is the per-user, per-pod row behind a Pod snapshot.
//
// LastLeftAt starts the rejoin cooldown and is stamped on leave, kick
// and ban. BannedAt is the permanent ban flag; it is independent of the
// cooldown and is never cleared while the pod exists.
type MembershipRecord struct {
	PodID      uuid.UUID  `json:"pod_id"`
	UserID     uuid.UUID  `json:"user_id"`
	Role       Role       `json:"role"`
	LastLeftAt *time.Time `json:"last_left_at,omitempty"`
	BannedAt   *time.Time `json:"banned_at,omitempty"`
	BanReason  string     `json:"ban_reason,omitempty"`
}

// Banned reports whether the record carries a ban.
func (r *MembershipRecord) Banned() bool {
	return r != nil && r.BannedAt != nil
}

// AttachmentType classifies an uploaded blob.
type AttachmentType string

const (
	AttachmentNone  AttachmentType = "NONE"
	AttachmentImage AttachmentType = "IMAGE"
	AttachmentFile  AttachmentType = "FILE"
)

// MessageType separates user chat from lifecycle announcements.
type MessageType string

const (
	MessageChat   MessageType = "CHAT"
	MessageSystem MessageType = "SYSTEM"
)

// Attachment is what the external attachment store hands back after an
// upload completes.
type Attachment struct {
	URL  string         `json:"url"`
	Type AttachmentType `json:"media_type"`
}

// Message is a canonical pod message. ID, Seq and Timestamp are assigned
// by the message bus; a message is immutable once broadcast.
//
// ClientTempID echoes the sender's local placeholder id so the sending
// client can swap its optimistic copy for this one.
type Message struct {
	ID                uuid.UUID      `json:"id"`
	PodID             uuid.UUID      `json:"pod_id"`
	Seq               int64          `json:"seq"`
	SenderID          uuid.UUID      `json:"sender_id"`
	SenderDisplayName string         `json:"sender_display_name"`
	Content           string         `json:"content"`
	AttachmentURL     *string        `json:"attachment_url"`
	AttachmentType    AttachmentType `json:"attachment_type"`
	ReplyToID         *uuid.UUID     `json:"reply_to_id"`
	MessageType       MessageType    `json:"message_type"`
	ClientTempID      string         `json:"client_temp_id,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Envelope is a message as submitted to the bus, before it has a
// canonical identity.
type Envelope struct {
	SenderID          uuid.UUID
	SenderDisplayName string
	Content           string
	Attachment        *Attachment
	ReplyToID         *uuid.UUID
	MessageType       MessageType
	ClientTempID      string
}
