// Package syncadapter keeps a client's view of one pod consistent with
// the server.
//
// A Timeline is an arena of slots plus two indexes: canonical message id
// to slot, and (sender, client temp id) to slot. An optimistic send takes
// a slot keyed by its temp id; when the canonical copy arrives it takes
// over that slot in place, so the message does not jump. From then on the
// slot is keyed by canonical id and further copies are ignored.
package syncadapter

import (
	"sort"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/bus"
	"github.com/lalith-99/podsync/internal/models"
)

// Entry is one visible row of the timeline.
type Entry struct {
	Message models.Message
	// Pending is true until the canonical copy arrives. Pending entries
	// have no ID or Seq.
	Pending bool
}

type slot struct {
	entry   Entry
	removed bool
}

type tempKey struct {
	sender uuid.UUID
	tempID string
}

// Timeline is not safe for concurrent use; a client owns one per pod.
type Timeline struct {
	podID  uuid.UUID
	slots  []slot
	byID   map[uuid.UUID]int
	byTemp map[tempKey]int

	pod     *models.Pod
	deleted bool
}

func New(podID uuid.UUID) *Timeline {
	return &Timeline{
		podID:  podID,
		byID:   make(map[uuid.UUID]int),
		byTemp: make(map[tempKey]int),
	}
}

// AddPending shows an optimistic copy of a message the local user is
// sending. tempID must be unique per sender. Returns false if tempID is
// already pending.
func (t *Timeline) AddPending(senderID uuid.UUID, senderName, tempID, content string, replyTo *uuid.UUID) bool {
	key := tempKey{sender: senderID, tempID: tempID}
	if _, ok := t.byTemp[key]; ok {
		return false
	}

	t.byTemp[key] = len(t.slots)
	t.slots = append(t.slots, slot{entry: Entry{
		Pending: true,
		Message: models.Message{
			PodID:             t.podID,
			SenderID:          senderID,
			SenderDisplayName: senderName,
			Content:           content,
			AttachmentType:    models.AttachmentNone,
			ReplyToID:         replyTo,
			MessageType:       models.MessageChat,
			ClientTempID:      tempID,
		},
	}})
	return true
}

// Reconcile merges a canonical message. It replaces the matching pending
// slot if there is one, appends otherwise, and ignores a message it has
// already seen. Returns whether the timeline changed.
func (t *Timeline) Reconcile(msg models.Message) bool {
	if _, seen := t.byID[msg.ID]; seen {
		return false
	}

	if msg.ClientTempID != "" {
		key := tempKey{sender: msg.SenderID, tempID: msg.ClientTempID}
		if idx, ok := t.byTemp[key]; ok {
			delete(t.byTemp, key)
			t.slots[idx] = slot{entry: Entry{Message: msg}}
			t.byID[msg.ID] = idx
			return true
		}
	}

	t.byID[msg.ID] = len(t.slots)
	t.slots = append(t.slots, slot{entry: Entry{Message: msg}})
	return true
}

// MarkFailed drops the pending slot for tempID. Returns false if there is
// no such pending message.
func (t *Timeline) MarkFailed(senderID uuid.UUID, tempID string) bool {
	key := tempKey{sender: senderID, tempID: tempID}
	idx, ok := t.byTemp[key]
	if !ok {
		return false
	}
	delete(t.byTemp, key)
	t.slots[idx].removed = true
	return true
}

// LoadHistory merges a full history fetch. Confirmed messages end up in
// seq order; pending messages stay after them in the order they were
// sent. Loading the same history twice changes nothing.
func (t *Timeline) LoadHistory(history []models.Message) {
	confirmed := make([]models.Message, 0, len(t.byID)+len(history))
	pending := make([]slot, 0, len(t.byTemp))
	for _, s := range t.slots {
		switch {
		case s.removed:
		case s.entry.Pending:
			pending = append(pending, s)
		default:
			confirmed = append(confirmed, s.entry.Message)
		}
	}

	seen := make(map[uuid.UUID]bool, len(confirmed))
	for _, m := range confirmed {
		seen[m.ID] = true
	}
	for _, m := range history {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true

		// A history copy can also confirm a pending send.
		key := tempKey{sender: m.SenderID, tempID: m.ClientTempID}
		if m.ClientTempID != "" {
			if _, ok := t.byTemp[key]; ok {
				pending = dropPending(pending, key)
			}
		}
		confirmed = append(confirmed, m)
	}
	sort.SliceStable(confirmed, func(i, j int) bool { return confirmed[i].Seq < confirmed[j].Seq })

	t.slots = t.slots[:0]
	t.byID = make(map[uuid.UUID]int, len(confirmed))
	t.byTemp = make(map[tempKey]int, len(pending))
	for _, m := range confirmed {
		t.byID[m.ID] = len(t.slots)
		t.slots = append(t.slots, slot{entry: Entry{Message: m}})
	}
	for _, s := range pending {
		key := tempKey{sender: s.entry.Message.SenderID, tempID: s.entry.Message.ClientTempID}
		t.byTemp[key] = len(t.slots)
		t.slots = append(t.slots, s)
	}
}

func dropPending(pending []slot, key tempKey) []slot {
	out := pending[:0]
	for _, s := range pending {
		m := s.entry.Message
		if m.SenderID == key.sender && m.ClientTempID == key.tempID {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ApplyMembership installs pod if it is newer than the snapshot held.
// Returns whether it was applied.
func (t *Timeline) ApplyMembership(pod models.Pod) bool {
	if t.pod != nil && pod.Version <= t.pod.Version {
		return false
	}
	p := pod
	t.pod = &p
	if !pod.Active() {
		t.deleted = true
	}
	return true
}

// Apply routes a frame received from the server.
func (t *Timeline) Apply(frame bus.Frame) bool {
	switch frame.Type {
	case bus.FrameMessage:
		if frame.Message == nil {
			return false
		}
		return t.Reconcile(*frame.Message)
	case bus.FrameMembership:
		if frame.Pod == nil {
			return false
		}
		return t.ApplyMembership(*frame.Pod)
	case bus.FramePodDeleted:
		changed := !t.deleted
		if frame.Pod != nil {
			t.ApplyMembership(*frame.Pod)
		}
		t.deleted = true
		return changed
	}
	return false
}

// Entries returns the visible rows in display order.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, 0, len(t.slots))
	for _, s := range t.slots {
		if !s.removed {
			out = append(out, s.entry)
		}
	}
	return out
}

// Pod returns the newest membership snapshot seen, nil if none.
func (t *Timeline) Pod() *models.Pod {
	if t.pod == nil {
		return nil
	}
	p := *t.pod
	return &p
}

// Role returns userID's role in the newest snapshot.
func (t *Timeline) Role(userID uuid.UUID) models.Role {
	if t.pod == nil {
		return models.RoleNone
	}
	return t.pod.RoleOf(userID)
}

// Deleted reports whether the pod has been deleted.
func (t *Timeline) Deleted() bool {
	return t.deleted
}
