package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/authority"
	"github.com/lalith-99/podsync/internal/bus"
	"github.com/lalith-99/podsync/internal/events"
	"github.com/lalith-99/podsync/internal/ledger"
	"github.com/lalith-99/podsync/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/lalith-99/podsync/internal/service"

// Emitter sends lifecycle events out of the process.
type Emitter interface {
	Emit(ctx context.Context, e events.Event)
}

// PodService runs pod lifecycle operations as ledger transitions and
// publishes their side effects: SYSTEM messages, membership frames for
// local subscribers, and lifecycle events for everyone else.
type PodService struct {
	ledger  *ledger.Ledger
	bus     *bus.Bus
	names   *Directory
	emitter Emitter
	logger  *zap.Logger
}

func NewPodService(l *ledger.Ledger, b *bus.Bus, names *Directory, logger *zap.Logger) *PodService {
	return &PodService{
		ledger: l,
		bus:    b,
		names:  names,
		logger: logger.Named("pods"),
	}
}

// SetEmitter sets the lifecycle event sink (optional dependency).
func (s *PodService) SetEmitter(e Emitter) {
	s.emitter = e
}

func (s *PodService) Create(ctx context.Context, ownerID uuid.UUID, name string, scope models.Scope) (*models.Pod, error) {
	return s.ledger.Create(ctx, name, scope, ownerID)
}

func (s *PodService) Get(ctx context.Context, podID uuid.UUID) (*models.Pod, error) {
	return s.ledger.Snapshot(ctx, podID)
}

// Join adds userID as a member. Joining a pod one is already in returns
// the pod unchanged.
func (s *PodService) Join(ctx context.Context, podID, userID uuid.UUID) (*models.Pod, error) {
	return s.apply(ctx, podID, models.Join(userID))
}

func (s *PodService) Leave(ctx context.Context, podID, userID uuid.UUID) (*models.Pod, error) {
	return s.apply(ctx, podID, models.Leave(userID))
}

func (s *PodService) Kick(ctx context.Context, podID, actorID, targetID uuid.UUID, reason string) (*models.Pod, error) {
	return s.apply(ctx, podID, models.Kick(actorID, targetID, reason))
}

func (s *PodService) Ban(ctx context.Context, podID, actorID, targetID uuid.UUID, reason string) (*models.Pod, error) {
	return s.apply(ctx, podID, models.Ban(actorID, targetID, reason))
}

func (s *PodService) Promote(ctx context.Context, podID, actorID, targetID uuid.UUID) (*models.Pod, error) {
	return s.apply(ctx, podID, models.Promote(actorID, targetID))
}

func (s *PodService) Demote(ctx context.Context, podID, actorID, targetID uuid.UUID) (*models.Pod, error) {
	return s.apply(ctx, podID, models.Demote(actorID, targetID))
}

func (s *PodService) TransferOwnership(ctx context.Context, podID, actorID, newOwnerID uuid.UUID) (*models.Pod, error) {
	return s.apply(ctx, podID, models.TransferOwnership(actorID, newOwnerID))
}

// Delete marks the pod DELETED, closes its channel and emits pod.deleted.
func (s *PodService) Delete(ctx context.Context, podID, actorID uuid.UUID) (*models.Pod, error) {
	return s.apply(ctx, podID, models.Delete(actorID))
}

// Audit returns the pod's audit trail to an admin or the owner.
func (s *PodService) Audit(ctx context.Context, podID, actorID uuid.UUID) ([]models.AuditEntry, error) {
	pod, err := s.ledger.Snapshot(ctx, podID)
	if err != nil {
		return nil, err
	}
	if err := authority.CanViewAudit(pod, actorID); err != nil {
		return nil, err
	}
	return s.ledger.Audit(ctx, podID)
}

// Member is one row of a pod's roster.
type Member struct {
	UserID      uuid.UUID   `json:"user_id"`
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role"`
}

// Members lists the owner, admins and members of a pod, in that order.
// Only a current member may read the roster.
func (s *PodService) Members(ctx context.Context, podID, userID uuid.UUID) ([]Member, error) {
	pod, err := s.ledger.Snapshot(ctx, podID)
	if err != nil {
		return nil, err
	}
	if !pod.RoleOf(userID).AtLeast(models.RoleMember) {
		return nil, models.ErrPermissionDenied
	}

	ids := make([]uuid.UUID, 0, 1+len(pod.AdminIDs)+len(pod.MemberIDs))
	ids = append(ids, pod.OwnerID)
	ids = append(ids, pod.AdminIDs...)
	ids = append(ids, pod.MemberIDs...)

	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, Member{
			UserID:      id,
			DisplayName: s.names.DisplayName(ctx, id),
			Role:        pod.RoleOf(id),
		})
	}
	return members, nil
}

func (s *PodService) apply(ctx context.Context, podID uuid.UUID, t models.Transition) (*models.Pod, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pods."+strings.ToLower(string(t.Kind)),
		trace.WithAttributes(
			attribute.String("pod.id", podID.String()),
			attribute.String("pod.actor_id", t.ActorID.String()),
		),
	)
	defer span.End()

	// Resolve the name before taking the pod lock.
	var subjectName string
	if systemTemplate(t.Kind) {
		subjectName = s.names.DisplayName(ctx, t.Subject())
	}

	var announcement *models.Message
	pod, applied, err := s.ledger.Apply(ctx, podID, t, func(ctx context.Context, c ledger.Change) error {
		var err error
		announcement, err = s.publishLocal(ctx, c, subjectName)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("pod.applied", applied))
	if applied {
		// Relay and broker I/O happen after the pod lock is released.
		s.bus.Forward(ctx, announcement)
		s.emit(ctx, pod, t)
	}
	return pod, nil
}

// publishLocal runs under the pod's write lock. The SYSTEM message and
// the membership frame are ordered with every chat message on the pod.
// It touches only this node: the stored SYSTEM message is returned for
// the caller to forward.
func (s *PodService) publishLocal(ctx context.Context, c ledger.Change, subjectName string) (*models.Message, error) {
	podID := c.Pod.ID
	subject := c.Transition.Subject()
	pod := c.Pod

	if c.Transition.Kind == models.TransitionDelete {
		s.bus.ClosePod(podID, &bus.Frame{Type: bus.FramePodDeleted, Pod: &pod})
		return nil, nil
	}

	var (
		msg *models.Message
		err error
	)
	if text := SystemText(c.Transition, subjectName); text != "" {
		msg, err = s.bus.PublishSystem(ctx, podID, models.Envelope{
			SenderID:          subject,
			SenderDisplayName: subjectName,
			Content:           text,
		})
		if err != nil {
			err = fmt.Errorf("publish system message: %w", err)
		}
	}

	s.bus.Deliver(podID, bus.Frame{Type: bus.FrameMembership, Pod: &pod})
	if removes(c.Transition.Kind) {
		s.bus.DropUser(podID, subject, bus.ReasonRemoved)
	}
	return msg, err
}

func (s *PodService) emit(ctx context.Context, pod *models.Pod, t models.Transition) {
	if s.emitter == nil {
		return
	}
	kind := events.KindMembershipChanged
	if t.Kind == models.TransitionDelete {
		kind = events.KindPodDeleted
	}
	s.emitter.Emit(ctx, events.Event{
		Kind:       kind,
		PodID:      pod.ID,
		Pod:        pod,
		Transition: t.Kind,
		ActorID:    t.ActorID,
		SubjectID:  t.Subject(),
	})
}

// HandleRemote applies an event produced by another node: it drops the
// cached ledger entry and updates this node's subscribers.
func (s *PodService) HandleRemote(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.KindMembershipChanged:
		s.ledger.Invalidate(e.PodID)
		if e.Pod != nil {
			s.bus.Deliver(e.PodID, bus.Frame{Type: bus.FrameMembership, Pod: e.Pod})
		}
		if e.Removes() {
			s.bus.DropUser(e.PodID, e.SubjectID, bus.ReasonRemoved)
		}
	case events.KindPodDeleted:
		s.ledger.Invalidate(e.PodID)
		s.bus.ClosePod(e.PodID, &bus.Frame{Type: bus.FramePodDeleted, Pod: e.Pod})
	case events.KindMessageCreated:
		if e.Message != nil {
			s.bus.DeliverMessage(ctx, e.Message)
		}
	default:
		s.logger.Debug("ignoring remote event", zap.String("kind", string(e.Kind)))
	}
}

func removes(kind models.TransitionKind) bool {
	switch kind {
	case models.TransitionLeave, models.TransitionKick, models.TransitionBan:
		return true
	}
	return false
}

func systemTemplate(kind models.TransitionKind) bool {
	switch kind {
	case models.TransitionJoin, models.TransitionLeave, models.TransitionKick, models.TransitionBan:
		return true
	}
	return false
}

// SystemText is the announcement posted for t, "" for transitions that
// are not announced.
func SystemText(t models.Transition, displayName string) string {
	switch t.Kind {
	case models.TransitionJoin:
		return displayName + " joined the pod"
	case models.TransitionLeave:
		return displayName + " left the pod"
	case models.TransitionKick:
		if t.Reason == "" {
			return displayName + " was removed"
		}
		return fmt.Sprintf("%s was removed (%s)", displayName, t.Reason)
	case models.TransitionBan:
		if t.Reason == "" {
			return displayName + " was banned"
		}
		return fmt.Sprintf("%s was banned (%s)", displayName, t.Reason)
	}
	return ""
}
