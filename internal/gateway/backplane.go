package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type envelope struct {
	Rooms []string        `json:"rooms,omitempty"`
	All   bool            `json:"all,omitempty"`
	Event string          `json:"event"`
	Frame json.RawMessage `json:"frame"`
}

// RedisBackplane fans room events out to every server process. Each process publishes to
// one channel and delivers what it receives to its local hub, its own messages included.
type RedisBackplane struct {
	client  redis.UniversalClient
	channel string
	hub     *Hub
	logger  *slog.Logger
	ready   chan struct{}
}

func NewRedisBackplane(client redis.UniversalClient, channel string, hub *Hub, logger *slog.Logger) *RedisBackplane {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackplane{client: client, channel: channel, hub: hub, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once the subscription is confirmed.
func (b *RedisBackplane) Ready() <-chan struct{} { return b.ready }

func (b *RedisBackplane) Emit(ctx context.Context, event string, payload any, rooms ...string) {
	b.publish(ctx, envelope{Rooms: rooms, Event: event}, payload)
}

func (b *RedisBackplane) Broadcast(ctx context.Context, event string, payload any) {
	b.publish(ctx, envelope{All: true, Event: event}, payload)
}

func (b *RedisBackplane) publish(ctx context.Context, env envelope, payload any) {
	frame, err := encodeFrame(env.Event, payload)
	if err != nil {
		b.logger.Error("encode frame failed", "event", env.Event, "error", err)
		return
	}
	env.Frame = frame
	msg, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("encode envelope failed", "event", env.Event, "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, msg).Err(); err != nil {
		// Other processes miss this event; local clients still get it.
		b.logger.Warn("backplane publish failed, delivering locally", "event", env.Event, "error", err)
		b.hub.deliver(env.Event, frame, env.Rooms, env.All)
	}
}

// Run subscribes to the channel and delivers messages until ctx is done.
func (b *RedisBackplane) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	close(b.ready)
	b.logger.Info("backplane subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				b.logger.Warn("invalid backplane message", "error", err)
				continue
			}
			b.hub.deliver(env.Event, env.Frame, env.Rooms, env.All)
		}
	}
}
