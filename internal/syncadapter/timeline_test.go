package syncadapter

import (
	"testing"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/bus"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canonical(podID, sender uuid.UUID, seq int64, content, tempID string) models.Message {
	return models.Message{
		ID:           uuid.New(),
		PodID:        podID,
		Seq:          seq,
		SenderID:     sender,
		Content:      content,
		MessageType:  models.MessageChat,
		ClientTempID: tempID,
	}
}

func contents(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message.Content)
	}
	return out
}

func TestCanonicalReplacesPendingInPlace(t *testing.T) {
	podID, me, other := uuid.New(), uuid.New(), uuid.New()
	tl := New(podID)

	require.True(t, tl.AddPending(me, "Me", "tmp-1", "first", nil))
	require.True(t, tl.Reconcile(canonical(podID, other, 1, "theirs", "")))
	require.False(t, tl.AddPending(me, "Me", "tmp-1", "dup", nil))

	mine := canonical(podID, me, 2, "first", "tmp-1")
	require.True(t, tl.Reconcile(mine))

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, mine.ID, entries[0].Message.ID)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, "theirs", entries[1].Message.Content)

	assert.False(t, tl.Reconcile(mine), "second copy is ignored")
	assert.Len(t, tl.Entries(), 2)
}

func TestSameTempIDFromAnotherSenderAppends(t *testing.T) {
	podID, me, other := uuid.New(), uuid.New(), uuid.New()
	tl := New(podID)

	tl.AddPending(me, "Me", "tmp-1", "mine", nil)
	tl.Reconcile(canonical(podID, other, 1, "theirs", "tmp-1"))

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Pending)
	assert.False(t, entries[1].Pending)
}

func TestMarkFailedDropsSlot(t *testing.T) {
	podID, me := uuid.New(), uuid.New()
	tl := New(podID)

	tl.AddPending(me, "Me", "tmp-1", "one", nil)
	tl.AddPending(me, "Me", "tmp-2", "two", nil)
	require.True(t, tl.MarkFailed(me, "tmp-1"))
	assert.False(t, tl.MarkFailed(me, "tmp-1"))

	assert.Equal(t, []string{"two"}, contents(tl.Entries()))

	tl.Reconcile(canonical(podID, me, 1, "two", "tmp-2"))
	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)
}

func TestLoadHistoryIsIdempotent(t *testing.T) {
	podID, me, other := uuid.New(), uuid.New(), uuid.New()
	tl := New(podID)

	history := []models.Message{
		canonical(podID, other, 1, "a", ""),
		canonical(podID, other, 2, "b", ""),
		canonical(podID, me, 3, "c", "tmp-c"),
	}
	live := canonical(podID, other, 4, "d", "")

	tl.AddPending(me, "Me", "tmp-c", "c", nil)
	tl.AddPending(me, "Me", "tmp-e", "e", nil)
	tl.Reconcile(live)

	tl.LoadHistory(history)
	tl.LoadHistory(history)

	entries := tl.Entries()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, contents(entries))
	assert.False(t, entries[2].Pending, "history confirmed the pending send")
	assert.True(t, entries[4].Pending)

	confirmed := canonical(podID, me, 5, "e", "tmp-e")
	assert.True(t, tl.Reconcile(confirmed))
	assert.False(t, tl.Reconcile(history[0]))
	assert.Len(t, tl.Entries(), 5)
}

func TestApplyMembershipRejectsStale(t *testing.T) {
	podID, owner, member := uuid.New(), uuid.New(), uuid.New()
	tl := New(podID)

	v2 := models.Pod{ID: podID, OwnerID: owner, MemberIDs: []uuid.UUID{member}, Status: models.PodActive, Version: 2}
	v1 := models.Pod{ID: podID, OwnerID: owner, Status: models.PodActive, Version: 1}

	assert.True(t, tl.ApplyMembership(v2))
	assert.False(t, tl.ApplyMembership(v1))
	assert.False(t, tl.ApplyMembership(v2))
	assert.Equal(t, models.RoleMember, tl.Role(member))
	assert.Equal(t, int64(2), tl.Pod().Version)
}

func TestApplyFrames(t *testing.T) {
	podID, owner := uuid.New(), uuid.New()
	tl := New(podID)
	assert.Nil(t, tl.Pod())
	assert.Equal(t, models.RoleNone, tl.Role(owner))

	msg := canonical(podID, owner, 1, "hi", "")
	assert.True(t, tl.Apply(bus.Frame{Type: bus.FrameMessage, Message: &msg}))
	assert.False(t, tl.Apply(bus.Frame{Type: bus.FrameMessage, Message: &msg}))

	pod := models.Pod{ID: podID, OwnerID: owner, Status: models.PodActive, Version: 1}
	assert.True(t, tl.Apply(bus.Frame{Type: bus.FrameMembership, Pod: &pod}))

	deleted := pod
	deleted.Status = models.PodDeleted
	deleted.Version = 2
	assert.True(t, tl.Apply(bus.Frame{Type: bus.FramePodDeleted, Pod: &deleted}))
	assert.True(t, tl.Deleted())
	assert.False(t, tl.Apply(bus.Frame{Type: bus.FramePodDeleted}))
}
