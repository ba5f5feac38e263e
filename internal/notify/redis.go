package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"ms-gatescan/internal/logger"
)

const DefaultChannelPrefix = "gatescan:"

// RedisRelay shares notifications between gate-server replicas over Redis
// pub/sub. Run is the single dispatcher loop per process.
type RedisRelay struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

func NewRedisRelay(client *redis.Client, prefix string, log *logger.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisRelay{client: client, prefix: prefix, log: log}
}

func (r *RedisRelay) Publish(ctx context.Context, topic, key string, payload any) error {
	msg, err := NewMessage(topic, key, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.prefix+topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Run forwards relayed messages into hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	r.log.Info("REDIS", fmt.Sprintf("Relaying notifications from %s*", r.prefix))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.Warn("REDIS", fmt.Sprintf("Dropping malformed notification on %s: %v", m.Channel, err))
				continue
			}
			if msg.Topic == "" {
				msg.Topic = strings.TrimPrefix(m.Channel, r.prefix)
			}
			hub.Deliver(msg)
		}
	}
}
