package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/models"
)

// entry is one pod's state. header carries the pod row without the ID
// lists; the lists are derived from records on every snapshot so the two
// can never disagree.
type entry struct {
	mu      sync.RWMutex
	evicted bool

	header  models.Pod
	records map[uuid.UUID]models.MembershipRecord
}

func newEntry(pod models.Pod, records []models.MembershipRecord) *entry {
	e := &entry{
		header:  pod,
		records: make(map[uuid.UUID]models.MembershipRecord, len(records)),
	}
	e.header.AdminIDs, e.header.MemberIDs, e.header.BannedIDs = nil, nil, nil
	for _, rec := range records {
		e.records[rec.UserID] = rec
	}
	return e
}

func (e *entry) active() bool {
	return e.header.Status == models.PodActive
}

func (e *entry) roleOf(userID uuid.UUID) models.Role {
	if userID == e.header.OwnerID {
		return models.RoleOwner
	}
	return e.records[userID].Role
}

func (e *entry) snapshot() models.Pod {
	return e.preview(e.header, nil)
}

// preview builds the snapshot the pod would have with header and the
// changed records applied, without touching e.
func (e *entry) preview(header models.Pod, changed []models.MembershipRecord) models.Pod {
	override := make(map[uuid.UUID]models.MembershipRecord, len(changed))
	for _, rec := range changed {
		override[rec.UserID] = rec
	}

	pod := header
	pod.AdminIDs = make([]uuid.UUID, 0)
	pod.MemberIDs = make([]uuid.UUID, 0)
	pod.BannedIDs = make([]uuid.UUID, 0)

	add := func(rec models.MembershipRecord) {
		if rec.BannedAt != nil {
			pod.BannedIDs = append(pod.BannedIDs, rec.UserID)
		}
		if rec.UserID == pod.OwnerID {
			return
		}
		switch rec.Role {
		case models.RoleAdmin:
			pod.AdminIDs = append(pod.AdminIDs, rec.UserID)
		case models.RoleMember:
			pod.MemberIDs = append(pod.MemberIDs, rec.UserID)
		}
	}
	for id, rec := range e.records {
		if o, ok := override[id]; ok {
			rec = o
		}
		add(rec)
	}
	for id, rec := range override {
		if _, ok := e.records[id]; !ok {
			add(rec)
		}
	}

	models.SortIDs(pod.AdminIDs)
	models.SortIDs(pod.MemberIDs)
	models.SortIDs(pod.BannedIDs)
	return pod
}

// record returns a copy of userID's record, creating a blank one for
// users the pod has never seen.
func (e *entry) record(userID uuid.UUID) models.MembershipRecord {
	if rec, ok := e.records[userID]; ok {
		return rec
	}
	return models.MembershipRecord{PodID: e.header.ID, UserID: userID, Role: models.RoleNone}
}

// plan computes the new header and the records t changes. The caller has
// already checked t against the rules.
func (e *entry) plan(t models.Transition, now time.Time) (models.Pod, []models.MembershipRecord) {
	header := e.header
	stamp := now

	switch t.Kind {
	case models.TransitionJoin:
		rec := e.record(t.ActorID)
		rec.Role = models.RoleMember
		return header, []models.MembershipRecord{rec}

	case models.TransitionLeave:
		rec := e.record(t.ActorID)
		rec.Role = models.RoleNone
		rec.LastLeftAt = &stamp
		return header, []models.MembershipRecord{rec}

	case models.TransitionKick:
		rec := e.record(t.TargetID)
		rec.Role = models.RoleNone
		rec.LastLeftAt = &stamp
		return header, []models.MembershipRecord{rec}

	case models.TransitionBan:
		rec := e.record(t.TargetID)
		if rec.Role != models.RoleNone {
			rec.LastLeftAt = &stamp
		}
		rec.Role = models.RoleNone
		rec.BannedAt = &stamp
		rec.BanReason = t.Reason
		return header, []models.MembershipRecord{rec}

	case models.TransitionPromote:
		rec := e.record(t.TargetID)
		rec.Role = models.RoleAdmin
		return header, []models.MembershipRecord{rec}

	case models.TransitionDemote:
		rec := e.record(t.TargetID)
		rec.Role = models.RoleMember
		return header, []models.MembershipRecord{rec}

	case models.TransitionTransfer:
		former := e.record(header.OwnerID)
		former.Role = models.RoleMember
		successor := e.record(t.TargetID)
		successor.Role = models.RoleOwner
		header.OwnerID = t.TargetID
		return header, []models.MembershipRecord{former, successor}

	case models.TransitionDelete:
		header.Status = models.PodDeleted
		return header, nil
	}
	return header, nil
}

func (e *entry) commit(header models.Pod, changed []models.MembershipRecord) {
	e.header = header
	e.header.AdminIDs, e.header.MemberIDs, e.header.BannedIDs = nil, nil, nil
	for _, rec := range changed {
		e.records[rec.UserID] = rec
	}
}
