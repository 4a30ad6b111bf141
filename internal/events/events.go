// Package events carries pod lifecycle notifications out of the process.
//
// The Dispatcher fans every Event out to a list of sinks: the AMQP
// publisher for dependent services, and the Redis relay for other nodes
// of this service. Sink failures are logged and counted; they never fail
// the operation that produced the event.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/lalith-99/podsync/internal/observ"
	"go.uber.org/zap"
)

type Kind string

const (
	KindMembershipChanged Kind = "membership.changed"
	KindPodDeleted        Kind = "pod.deleted"
	KindMessageCreated    Kind = "message.created"
)

// Event is the wire shape shared by every sink.
//
// Pod is the snapshot after the transition. Transition, ActorID and
// SubjectID describe what happened; they are empty for message events.
// Origin is the node that produced the event.
type Event struct {
	ID         uuid.UUID             `json:"id"`
	Kind       Kind                  `json:"kind"`
	PodID      uuid.UUID             `json:"pod_id"`
	Pod        *models.Pod           `json:"pod,omitempty"`
	Transition models.TransitionKind `json:"transition,omitempty"`
	ActorID    uuid.UUID             `json:"actor_id"`
	SubjectID  uuid.UUID             `json:"subject_id"`
	Message    *models.Message       `json:"message,omitempty"`
	Origin     string                `json:"origin"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// Removes reports whether the event took the subject out of the pod.
func (e Event) Removes() bool {
	switch e.Transition {
	case models.TransitionLeave, models.TransitionKick, models.TransitionBan:
		return true
	}
	return false
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Emit(ctx context.Context, e Event) error
}

type Dispatcher struct {
	nodeID string
	sinks  []Sink
	logger *zap.Logger
}

func NewDispatcher(nodeID string, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		nodeID: nodeID,
		sinks:  sinks,
		logger: logger.Named("events"),
	}
}

// Emit stamps e and hands it to every sink in order.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Origin == "" {
		e.Origin = d.nodeID
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	for _, sink := range d.sinks {
		if err := sink.Emit(ctx, e); err != nil {
			observ.IncSinkError(sink.Name())
			d.logger.Warn("event sink failed",
				zap.String("sink", sink.Name()),
				zap.String("kind", string(e.Kind)),
				zap.String("pod_id", e.PodID.String()),
				zap.Error(err),
			)
		}
	}
}

// ForwardMessage emits a message.created event for msg.
func (d *Dispatcher) ForwardMessage(ctx context.Context, msg *models.Message) {
	d.Emit(ctx, Event{
		Kind:       KindMessageCreated,
		PodID:      msg.PodID,
		Message:    msg,
		OccurredAt: msg.Timestamp,
	})
}
