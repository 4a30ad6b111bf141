// Package authority decides whether a pod transition is allowed.
//
// Rules:
//   - Kick: the actor strictly outranks the target and is not the target.
//   - Ban: same as kick; admins and the owner may also ban users who are
//     not currently in the pod.
//   - Promote / Demote: owner only, never on self; MEMBER → ADMIN and back.
//   - Transfer ownership: owner only, to a current member or admin.
//   - Join: refused for banned users and during the rejoin cooldown.
//   - Delete: owner only.
//   - Publish: MEMBER or above.
//
// Every function is pure: it reads a Pod snapshot and returns an error.
// ErrNoChange marks requests that are already satisfied; the ledger
// answers those with the current pod and records nothing.
package authority

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/models"
)

// DefaultCooldown is the rejoin lockout after a leave or kick.
const DefaultCooldown = 15 * time.Minute

// ErrNoChange reports that the transition would leave the pod as it is.
var ErrNoChange = errors.New("transition already applied")

// Authority holds the tunable part of the rules.
type Authority struct {
	cooldown time.Duration
}

// New returns an Authority using cooldown as the rejoin lockout. A
// non-positive cooldown falls back to DefaultCooldown.
func New(cooldown time.Duration) Authority {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return Authority{cooldown: cooldown}
}

// Cooldown returns the configured rejoin lockout.
func (a Authority) Cooldown() time.Duration {
	return a.cooldown
}

// Check routes t to the matching rule. subject is the membership record
// of t.Subject(), nil if the user has never been in the pod.
func (a Authority) Check(pod *models.Pod, subject *models.MembershipRecord, t models.Transition, now time.Time) error {
	if !pod.Active() {
		return models.ErrNotFound
	}

	switch t.Kind {
	case models.TransitionJoin:
		return a.CanJoin(pod, subject, t.ActorID, now)
	case models.TransitionLeave:
		return CanLeave(pod, t.ActorID)
	case models.TransitionKick:
		return CanKick(pod, t.ActorID, t.TargetID)
	case models.TransitionBan:
		return CanBan(pod, t.ActorID, t.TargetID)
	case models.TransitionPromote:
		return CanPromote(pod, t.ActorID, t.TargetID)
	case models.TransitionDemote:
		return CanDemote(pod, t.ActorID, t.TargetID)
	case models.TransitionTransfer:
		return CanTransferOwnership(pod, t.ActorID, t.TargetID)
	case models.TransitionDelete:
		return CanDelete(pod, t.ActorID)
	default:
		return models.ErrPermissionDenied
	}
}

// CanJoin checks a self-join. Users already in the pod get ErrNoChange.
func (a Authority) CanJoin(pod *models.Pod, rec *models.MembershipRecord, userID uuid.UUID, now time.Time) error {
	if pod.RoleOf(userID) != models.RoleNone {
		return ErrNoChange
	}
	if rec.Banned() || pod.IsBanned(userID) {
		return models.ErrBanned
	}
	if rec != nil && rec.LastLeftAt != nil {
		elapsed := now.Sub(*rec.LastLeftAt)
		if elapsed < a.cooldown {
			return &models.CooldownError{MinutesRemaining: ceilMinutes(a.cooldown - elapsed)}
		}
	}
	return nil
}

// ceilMinutes rounds d up to whole minutes.
func ceilMinutes(d time.Duration) int {
	return int((d + time.Minute - 1) / time.Minute)
}

// CanLeave checks a self-removal. The owner has to hand over first.
func CanLeave(pod *models.Pod, userID uuid.UUID) error {
	switch pod.RoleOf(userID) {
	case models.RoleOwner:
		return models.ErrOwnerMustTransferFirst
	case models.RoleNone:
		return ErrNoChange
	default:
		return nil
	}
}

// CanKick checks removal of targetID by actorID.
func CanKick(pod *models.Pod, actorID, targetID uuid.UUID) error {
	if actorID == targetID {
		return models.ErrPermissionDenied
	}
	actor, target := pod.RoleOf(actorID), pod.RoleOf(targetID)
	if !models.Outranks(actor, target) {
		return models.ErrPermissionDenied
	}
	if target == models.RoleNone {
		return models.ErrNotFound
	}
	return nil
}

// CanBan checks a permanent ban. It follows the kick rule, and lets
// admins and the owner ban users who are not in the pod right now.
func CanBan(pod *models.Pod, actorID, targetID uuid.UUID) error {
	if actorID == targetID {
		return models.ErrPermissionDenied
	}
	actor, target := pod.RoleOf(actorID), pod.RoleOf(targetID)
	if !actor.AtLeast(models.RoleAdmin) {
		return models.ErrPermissionDenied
	}
	if !models.Outranks(actor, target) {
		return models.ErrPermissionDenied
	}
	if pod.IsBanned(targetID) {
		return ErrNoChange
	}
	return nil
}

// CanPromote checks MEMBER → ADMIN.
func CanPromote(pod *models.Pod, actorID, targetID uuid.UUID) error {
	if err := ownerActingOnOther(pod, actorID, targetID); err != nil {
		return err
	}
	switch pod.RoleOf(targetID) {
	case models.RoleMember:
		return nil
	case models.RoleAdmin:
		return ErrNoChange
	default:
		return models.ErrNotFound
	}
}

// CanDemote checks ADMIN → MEMBER.
func CanDemote(pod *models.Pod, actorID, targetID uuid.UUID) error {
	if err := ownerActingOnOther(pod, actorID, targetID); err != nil {
		return err
	}
	switch pod.RoleOf(targetID) {
	case models.RoleAdmin:
		return nil
	case models.RoleMember:
		return ErrNoChange
	default:
		return models.ErrNotFound
	}
}

func ownerActingOnOther(pod *models.Pod, actorID, targetID uuid.UUID) error {
	if pod.RoleOf(actorID) != models.RoleOwner || actorID == targetID {
		return models.ErrPermissionDenied
	}
	return nil
}

// CanTransferOwnership checks a hand-over from the current owner.
func CanTransferOwnership(pod *models.Pod, actorID, newOwnerID uuid.UUID) error {
	if err := ownerActingOnOther(pod, actorID, newOwnerID); err != nil {
		return err
	}
	if pod.IsBanned(newOwnerID) {
		return models.ErrPermissionDenied
	}
	if pod.RoleOf(newOwnerID) == models.RoleNone {
		return models.ErrNotFound
	}
	return nil
}

// CanDelete checks pod deletion.
func CanDelete(pod *models.Pod, actorID uuid.UUID) error {
	if pod.RoleOf(actorID) != models.RoleOwner {
		return models.ErrPermissionDenied
	}
	return nil
}

// CanPublish checks that senderID may post chat messages.
func CanPublish(pod *models.Pod, senderID uuid.UUID) error {
	if !pod.Active() {
		return models.ErrNotFound
	}
	if !pod.RoleOf(senderID).AtLeast(models.RoleMember) {
		return models.ErrPermissionDenied
	}
	return nil
}

// CanViewAudit checks read access to the audit trail.
func CanViewAudit(pod *models.Pod, actorID uuid.UUID) error {
	if !pod.RoleOf(actorID).AtLeast(models.RoleAdmin) {
		return models.ErrPermissionDenied
	}
	return nil
}
