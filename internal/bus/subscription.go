package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/models"
)

// FrameType is the "type" field of a frame sent to subscribers.
type FrameType string

const (
	FrameMessage    FrameType = "message.new"
	FrameMembership FrameType = "membership.changed"
	FramePodDeleted FrameType = "pod.deleted"
)

// Frame is one item in a subscriber's queue.
type Frame struct {
	Type    FrameType       `json:"type"`
	Message *models.Message `json:"message,omitempty"`
	Pod     *models.Pod     `json:"pod,omitempty"`
}

// Reasons a subscription ends.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonSlow         = "slow_consumer"
	ReasonRemoved      = "removed"
	ReasonPodDeleted   = "pod_deleted"
)

// Subscription is one client's view of a pod. Read frames from C until
// Done is closed; Reason then says why.
type Subscription struct {
	PodID  uuid.UUID
	UserID uuid.UUID

	queue chan Frame
	done  chan struct{}

	once   sync.Once
	mu     sync.Mutex
	reason string
}

func newSubscription(podID, userID uuid.UUID, buffer int) *Subscription {
	return &Subscription{
		PodID:  podID,
		UserID: userID,
		queue:  make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

// C delivers frames in publish order. It is never closed; select on Done
// as well.
func (s *Subscription) C() <-chan Frame {
	return s.queue
}

// Done is closed when the bus drops the subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason reports why the subscription ended, "" while it is open.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) close(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}
