package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRelayChannel is the Redis pub/sub channel nodes share.
const DefaultRelayChannel = "podsync:events"

// Handler applies an event that another node produced.
type Handler func(ctx context.Context, e Event)

// Relay shares events between nodes over Redis pub/sub. Every node
// publishes what it produces and ignores what it receives from itself.
type Relay struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  *zap.Logger
}

// NewRedisClient parses redisURL ("redis://host:6379/0") and pings the
// server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRelay(client *redis.Client, nodeID string, logger *zap.Logger) *Relay {
	return &Relay{
		client:  client,
		channel: DefaultRelayChannel,
		nodeID:  nodeID,
		logger:  logger.Named("relay"),
	}
}

func (r *Relay) Name() string { return "redis" }

func (r *Relay) Emit(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run subscribes to the relay channel and calls handle for every event
// from another node until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, handle Handler) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	r.logger.Info("relay subscribed", zap.String("channel", r.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.dispatch(ctx, []byte(msg.Payload), handle)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, payload []byte, handle Handler) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		r.logger.Warn("dropping malformed relay event", zap.Error(err))
		return
	}
	if e.Origin == r.nodeID {
		return
	}
	handle(ctx, e)
}
