package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/StellarGuilds/multisig_layer/pkg/logger"
)

// RedisPublisher mirrors lifecycle events onto a Redis pub/sub channel so
// out-of-process consumers can follow operations. Delivery is best-effort;
// a publish failure is logged, never surfaced to the lifecycle call.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher wraps the given client. An empty channel defaults to
// "multisig.events".
func NewRedisPublisher(client *redis.Client, channel string, log *logger.Logger) *RedisPublisher {
	if channel == "" {
		channel = "multisig.events"
	}
	if log == nil {
		log = logger.NewDefault("events-redis")
	}
	return &RedisPublisher{client: client, channel: channel, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		p.log.WithError(err).Warn("marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.WithError(err).WithField("kind", string(evt.Kind)).Warn("publish event to redis")
	}
}
