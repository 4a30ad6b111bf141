// Package bus is the per-pod publish/subscribe channel.
//
// The bus gives every message its canonical id, server timestamp and a
// per-pod sequence number, appends it to the durable log and then fans
// it out to the pod's subscribers in that order. Each subscriber has a
// bounded queue; one that falls behind is evicted rather than allowed to
// stall the pod.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/clock"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/lalith-99/podsync/internal/observ"
	"github.com/lalith-99/podsync/internal/repository"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// ErrEmptyMessage is returned for a chat message with neither text nor
// an attachment.
var ErrEmptyMessage = errors.New("message needs content or an attachment")

// Gate runs fn only if userID may publish to podID, and keeps the pod's
// membership fixed while fn runs. The ledger implements it.
type Gate interface {
	Authorize(ctx context.Context, podID, userID uuid.UUID, fn func() error) error
}

// Forwarder receives every message this node publishes, after it is
// stored and fanned out locally. Used to relay messages to other nodes.
// It may block on network I/O, so it is never called under a pod lock.
type Forwarder interface {
	ForwardMessage(ctx context.Context, msg *models.Message)
}

type Bus struct {
	gate      Gate
	repo      repository.MessageRepository
	clock     clock.Clock
	logger    *zap.Logger
	buffer    int
	forwarder Forwarder

	mu   sync.Mutex
	pods map[uuid.UUID]*channel
}

// New creates a Bus. buffer <= 0 falls back to DefaultBuffer.
func New(gate Gate, repo repository.MessageRepository, clk clock.Clock, buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		gate:   gate,
		repo:   repo,
		clock:  clk,
		logger: logger.Named("bus"),
		buffer: buffer,
		pods:   make(map[uuid.UUID]*channel),
	}
}

// SetForwarder installs f. Must be called before the bus is used.
func (b *Bus) SetForwarder(f Forwarder) {
	b.forwarder = f
}

// Publish appends a chat message from env.SenderID. The sender's role is
// checked while the ledger holds the pod's read lock, so a message racing
// a kick is either published first or refused with ErrPermissionDenied.
func (b *Bus) Publish(ctx context.Context, podID uuid.UUID, env models.Envelope) (*models.Message, error) {
	env.MessageType = models.MessageChat
	if strings.TrimSpace(env.Content) == "" && env.Attachment == nil {
		return nil, ErrEmptyMessage
	}

	var msg *models.Message
	err := b.gate.Authorize(ctx, podID, env.SenderID, func() error {
		var err error
		msg, err = b.append(ctx, podID, env)
		return err
	})
	if err != nil {
		return nil, err
	}
	b.forward(ctx, msg)
	return msg, nil
}

// PublishSystem appends a SYSTEM message. It does not consult the gate:
// the caller is a ledger hook that already holds the pod's write lock.
// The message is not forwarded; the caller passes it to Forward once the
// lock is released.
func (b *Bus) PublishSystem(ctx context.Context, podID uuid.UUID, env models.Envelope) (*models.Message, error) {
	env.MessageType = models.MessageSystem
	env.Attachment = nil
	env.ReplyToID = nil

	return b.append(ctx, podID, env)
}

// Forward hands msg to the forwarder, if one is set.
func (b *Bus) Forward(ctx context.Context, msg *models.Message) {
	b.forward(ctx, msg)
}

func (b *Bus) forward(ctx context.Context, msg *models.Message) {
	if b.forwarder != nil && msg != nil {
		b.forwarder.ForwardMessage(ctx, msg)
	}
}

func (b *Bus) append(ctx context.Context, podID uuid.UUID, env models.Envelope) (*models.Message, error) {
	if env.ReplyToID != nil {
		ok, err := b.repo.Exists(ctx, podID, *env.ReplyToID)
		if err != nil {
			return nil, fmt.Errorf("check reply target: %w", err)
		}
		if !ok {
			return nil, models.ErrNotFound
		}
	}

	ch := b.channel(podID)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.seqLoaded {
		last, err := b.repo.LastSeq(ctx, podID)
		if err != nil {
			return nil, fmt.Errorf("load message seq: %w", err)
		}
		ch.nextSeq = last + 1
		ch.seqLoaded = true
		if !ch.delivered.known {
			ch.delivered = cursor{seq: last, known: true}
		}
	}

	msg := &models.Message{
		ID:                uuid.New(),
		PodID:             podID,
		Seq:               ch.nextSeq,
		SenderID:          env.SenderID,
		SenderDisplayName: env.SenderDisplayName,
		Content:           env.Content,
		AttachmentType:    models.AttachmentNone,
		ReplyToID:         env.ReplyToID,
		MessageType:       env.MessageType,
		ClientTempID:      env.ClientTempID,
		Timestamp:         b.clock.Now(),
	}
	if env.Attachment != nil {
		url := env.Attachment.URL
		msg.AttachmentURL = &url
		msg.AttachmentType = env.Attachment.Type
	}

	if err := b.repo.Append(ctx, msg); err != nil {
		// Another node may have taken this seq. Reload on the next call.
		ch.seqLoaded = false
		return nil, fmt.Errorf("append message: %w", err)
	}
	ch.nextSeq++
	observ.IncMessagePublished(string(msg.MessageType))

	ch.fanOutMessage(ctx, b, msg)
	return msg, nil
}

// DeliverMessage fans out a message stored by another node. Subscribers
// see messages in seq order: one already delivered is dropped, and a gap
// before msg is filled from the log first.
func (b *Bus) DeliverMessage(ctx context.Context, msg *models.Message) {
	ch := b.existing(msg.PodID)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.delivered.known {
		ch.delivered = cursor{seq: msg.Seq - 1, known: true}
	}
	if msg.Seq <= ch.delivered.seq {
		return
	}
	ch.fanOutMessage(ctx, b, msg)
}

// Deliver fans frame out to podID's local subscribers without storing
// anything. Used for membership snapshots and for messages relayed from
// other nodes.
func (b *Bus) Deliver(podID uuid.UUID, frame Frame) {
	ch := b.existing(podID)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.fanOut(b, frame)
}

// Subscribe opens a subscription for userID, who must be at least a
// member of podID. The check and the registration happen under the
// ledger's read lock, so a concurrent kick closes the new subscription.
func (b *Bus) Subscribe(ctx context.Context, podID, userID uuid.UUID) (*Subscription, error) {
	var sub *Subscription
	err := b.gate.Authorize(ctx, podID, userID, func() error {
		ch := b.channel(podID)
		ch.mu.Lock()
		defer ch.mu.Unlock()

		sub = newSubscription(podID, userID, b.buffer)
		ch.subs[sub] = struct{}{}
		observ.IncSubscribers()
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Debug("subscribed",
		zap.String("pod_id", podID.String()),
		zap.String("user_id", userID.String()),
	)
	return sub, nil
}

// Unsubscribe removes sub. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	ch := b.existing(sub.PodID)
	if ch == nil {
		sub.close(ReasonUnsubscribed)
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.remove(sub, ReasonUnsubscribed)
}

// DropUser closes every subscription userID holds on podID.
func (b *Bus) DropUser(podID, userID uuid.UUID, reason string) {
	ch := b.existing(podID)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for sub := range ch.subs {
		if sub.UserID == userID {
			ch.remove(sub, reason)
		}
	}
}

// ClosePod sends final (if not nil) to every subscriber, closes all of
// them and forgets the pod.
func (b *Bus) ClosePod(podID uuid.UUID, final *Frame) {
	b.mu.Lock()
	ch := b.pods[podID]
	delete(b.pods, podID)
	b.mu.Unlock()
	if ch == nil {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if final != nil {
		ch.fanOut(b, *final)
	}
	for sub := range ch.subs {
		ch.remove(sub, ReasonPodDeleted)
	}
}

// History returns podID's full log in publish order.
func (b *Bus) History(ctx context.Context, podID uuid.UUID) ([]models.Message, error) {
	messages, err := b.repo.ListByPod(ctx, podID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return messages, nil
}

// Subscribers returns the number of open subscriptions on podID.
func (b *Bus) Subscribers(podID uuid.UUID) int {
	ch := b.existing(podID)
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

func (b *Bus) channel(podID uuid.UUID) *channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.pods[podID]
	if !ok {
		ch = &channel{subs: make(map[*Subscription]struct{})}
		b.pods[podID] = ch
	}
	return ch
}

func (b *Bus) existing(podID uuid.UUID) *channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pods[podID]
}

// channel is one pod's sequence counter and subscriber set. mu orders
// seq assignment, append and enqueue.
type channel struct {
	mu        sync.Mutex
	seqLoaded bool
	nextSeq   int64
	delivered cursor
	subs      map[*Subscription]struct{}
}

// cursor is the highest seq fanned out to the channel's subscribers.
type cursor struct {
	seq   int64
	known bool
}

// fanOutMessage delivers msg after any stored messages between the cursor
// and msg.Seq, which other nodes appended but whose relay has not arrived.
// The caller holds ch.mu.
func (ch *channel) fanOutMessage(ctx context.Context, b *Bus, msg *models.Message) {
	if ch.delivered.known && msg.Seq > ch.delivered.seq+1 {
		missed, err := b.repo.ListAfter(ctx, msg.PodID, ch.delivered.seq, msg.Seq)
		if err != nil {
			b.logger.Warn("failed to fill message gap",
				zap.String("pod_id", msg.PodID.String()),
				zap.Int64("from_seq", ch.delivered.seq+1),
				zap.Int64("to_seq", msg.Seq-1),
				zap.Error(err),
			)
		}
		for i := range missed {
			ch.fanOut(b, Frame{Type: FrameMessage, Message: &missed[i]})
		}
	}
	ch.fanOut(b, Frame{Type: FrameMessage, Message: msg})
	ch.delivered = cursor{seq: msg.Seq, known: true}
}

func (ch *channel) fanOut(b *Bus, frame Frame) {
	for sub := range ch.subs {
		select {
		case sub.queue <- frame:
		default:
			b.logger.Warn("evicting slow subscriber",
				zap.String("pod_id", sub.PodID.String()),
				zap.String("user_id", sub.UserID.String()),
			)
			ch.remove(sub, ReasonSlow)
		}
	}
}

func (ch *channel) remove(sub *Subscription, reason string) {
	if _, ok := ch.subs[sub]; !ok {
		sub.close(reason)
		return
	}
	delete(ch.subs, sub)
	observ.DecSubscribers()
	if reason != ReasonUnsubscribed {
		observ.IncEviction(reason)
	}
	sub.close(reason)
}
