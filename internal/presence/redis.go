// ABOUTME: Redis pub/sub transport for typing indicators across processes
// ABOUTME: Mirrors local typing events onto presence:<key> channels, best effort

package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "presence:"

// wireEvent is the published form of a typing signal.
type wireEvent struct {
	ConversationKey string    `json:"conversation_key"`
	SenderID        string    `json:"sender_id"`
	At              time.Time `json:"at"`
}

// RedisTransport fans typing events out through Redis pub/sub so sessions in
// different processes see each other's presence. Failures are logged at
// debug level and otherwise ignored; presence is advisory.
type RedisTransport struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
}

// RedisOptions configures the transport connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisTransport connects to Redis and wraps the local hub. Incoming
// remote events are re-published on the hub; see Run.
func NewRedisTransport(ctx context.Context, opts RedisOptions, hub *Hub, logger *slog.Logger) (*RedisTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisTransport{
		client: client,
		hub:    hub,
		logger: logger.With("component", "presence_redis"),
	}, nil
}

// PublishTyping sends the event to the conversation's Redis channel. Local
// delivery happens through the Run loop, which hears our own publish back;
// that keeps exactly one delivery path whether the sender is local or
// remote. Redis errors never propagate.
func (t *RedisTransport) PublishTyping(ctx context.Context, conversationKey, senderID string) {
	payload, err := json.Marshal(wireEvent{
		ConversationKey: conversationKey,
		SenderID:        senderID,
		At:              time.Now(),
	})
	if err != nil {
		return
	}
	if err := t.client.Publish(ctx, channelPrefix+conversationKey, payload).Err(); err != nil {
		t.logger.Debug("typing publish dropped", "conversation_key", conversationKey, "error", err)
	}
}

// Run subscribes to all presence channels and feeds remote events into the
// local hub until ctx is cancelled. Malformed payloads are skipped.
func (t *RedisTransport) Run(ctx context.Context) error {
	pubsub := t.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.logger.Debug("bad presence payload", "channel", msg.Channel, "error", err)
				continue
			}
			t.hub.PublishTyping(ctx, ev.ConversationKey, ev.SenderID)
		}
	}
}

// Close releases the Redis connection.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

var _ Publisher = (*RedisTransport)(nil)
