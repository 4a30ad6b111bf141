package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/lalith-99/podsync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ repository.PodRepository     = (*PodStore)(nil)
	_ repository.MessageRepository = (*MessageStore)(nil)
	_ repository.UserRepository    = (*UserStore)(nil)
)

func TestPodStoreRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := NewPodStore()
	pod := &models.Pod{ID: uuid.New(), OwnerID: uuid.New(), Status: models.PodActive}
	require.NoError(t, s.Create(ctx, pod))

	next := *pod
	next.Version = 1
	entry := models.AuditEntry{ID: uuid.New(), PodID: pod.ID, Kind: models.TransitionJoin, CreatedAt: time.Now()}
	require.NoError(t, s.SaveTransition(ctx, &next, nil, entry))

	assert.Error(t, s.SaveTransition(ctx, &next, nil, entry), "same version twice must fail")

	loaded, records, err := s.Load(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	require.Len(t, records, 1)
	assert.Equal(t, models.RoleOwner, records[0].Role)

	audit, err := s.ListAudit(ctx, pod.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestPodStoreLoadMissing(t *testing.T) {
	pod, records, err := NewPodStore().Load(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, pod)
	assert.Nil(t, records)
}

func TestMessageStoreOrdersBySeq(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	podID := uuid.New()

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, s.Append(ctx, &models.Message{ID: uuid.New(), PodID: podID, Seq: seq}))
	}
	assert.Error(t, s.Append(ctx, &models.Message{ID: uuid.New(), PodID: podID, Seq: 2}))

	last, err := s.LastSeq(ctx, podID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	msgs, err := s.ListByPod(ctx, podID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	ok, err := s.Exists(ctx, podID, msgs[1].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, uuid.New(), msgs[1].ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
