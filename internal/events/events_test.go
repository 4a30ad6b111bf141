package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/events"
	"github.com/lalith-99/podsync/internal/mocks"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func TestDispatcherStampsAndFansOut(t *testing.T) {
	first := new(mocks.SinkMock)
	second := new(mocks.SinkMock)
	podID := uuid.New()

	stamped := mock.MatchedBy(func(e events.Event) bool {
		return e.ID != uuid.Nil && e.Origin == "node-a" && !e.OccurredAt.IsZero() && e.PodID == podID
	})
	first.On("Emit", mock.Anything, stamped).Return(errors.New("broker down")).Once()
	second.On("Emit", mock.Anything, stamped).Return(nil).Once()

	d := events.NewDispatcher("node-a", zap.NewNop(), first, second)
	d.Emit(context.Background(), events.Event{Kind: events.KindMembershipChanged, PodID: podID})

	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestDispatcherKeepsForeignOrigin(t *testing.T) {
	sink := new(mocks.SinkMock)
	sink.On("Emit", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Origin == "node-b"
	})).Return(nil).Once()

	d := events.NewDispatcher("node-a", zap.NewNop(), sink)
	d.Emit(context.Background(), events.Event{Kind: events.KindPodDeleted, Origin: "node-b"})

	sink.AssertExpectations(t)
}

func TestForwardMessage(t *testing.T) {
	sink := new(mocks.SinkMock)
	msg := &models.Message{ID: uuid.New(), PodID: uuid.New(), Seq: 7, Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

	sink.On("Emit", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Kind == events.KindMessageCreated && e.Message == msg && e.OccurredAt.Equal(msg.Timestamp)
	})).Return(nil).Once()

	events.NewDispatcher("node-a", zap.NewNop(), sink).ForwardMessage(context.Background(), msg)
	sink.AssertExpectations(t)
}

func TestAMQPSinkRoutingKeys(t *testing.T) {
	pub := new(mocks.PublisherMock)
	sink := events.NewAMQPSink(pub)

	changed := events.Event{Kind: events.KindMembershipChanged, PodID: uuid.New()}
	deleted := events.Event{Kind: events.KindPodDeleted, PodID: uuid.New()}
	pub.On("Publish", mock.Anything, "pods.membership_changed", changed).Return(nil).Once()
	pub.On("Publish", mock.Anything, "pods.deleted", deleted).Return(nil).Once()

	assert.NoError(t, sink.Emit(context.Background(), changed))
	assert.NoError(t, sink.Emit(context.Background(), deleted))
	assert.NoError(t, sink.Emit(context.Background(), events.Event{Kind: "unknown"}))

	pub.AssertExpectations(t)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	pub := events.NewPublisher("", "pods", zap.NewNop())
	assert.Equal(t, "noop", events.PublisherMode(pub))
	assert.NoError(t, pub.Publish(context.Background(), "pods.deleted", struct{}{}))
	assert.NoError(t, pub.Close())
}

func TestEventRemoves(t *testing.T) {
	assert.True(t, events.Event{Transition: models.TransitionKick}.Removes())
	assert.True(t, events.Event{Transition: models.TransitionBan}.Removes())
	assert.True(t, events.Event{Transition: models.TransitionLeave}.Removes())
	assert.False(t, events.Event{Transition: models.TransitionPromote}.Removes())
}
