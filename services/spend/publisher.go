package spend

import (
	"context"
	"encoding/json"

	"adgate/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// Publisher delivers celebration signals to whoever listens for the visitor.
type Publisher interface {
	PublishCelebration(ctx context.Context, c *Celebration) error
}

type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) Publisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) PublishCelebration(ctx context.Context, c *Celebration) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, rediskey.BuildCelebrationChannel(c.VisitorID), b).Err()
}
