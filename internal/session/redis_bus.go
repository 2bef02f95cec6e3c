package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisBus fans events out across instances: Publish goes to a Redis channel per
// topic and Run relays every channel back into the local Hub.
type RedisBus struct {
	client *redis.Client
	prefix string
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisBus(client *redis.Client, prefix string, hub *Hub, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, prefix: prefix, hub: hub, logger: logger, now: time.Now}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, ev models.Event) error {
	payload, err := models.Encode(ev, b.now())
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.prefix+topic, payload).Err()
}

// Run blocks relaying subscribed messages until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, b.prefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info("redis bus subscribed", "pattern", b.prefix+"*")
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.hub.Broadcast(strings.TrimPrefix(msg.Channel, b.prefix), []byte(msg.Payload))
		}
	}
}
