package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterRetention keeps a finished month readable for reporting before the
// key falls out of redis.
const counterRetention = 62 * 24 * time.Hour

// RedisLedger stores counters in redis so concurrent increments from many
// orchestrator processes stay correct.
type RedisLedger struct {
	client *redis.Client

	now func() time.Time
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, now: time.Now}
}

func (l *RedisLedger) Add(ctx context.Context, tenantID string, res Resource, amount float64) error {
	key := l.key(tenantID, res)
	pipe := l.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, amount)
	pipe.Expire(ctx, key, counterRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage increment %s: %w", key, err)
	}
	return nil
}

func (l *RedisLedger) Usage(ctx context.Context, tenantID string, res Resource) (float64, error) {
	key := l.key(tenantID, res)
	val, err := l.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usage read %s: %w", key, err)
	}
	return val, nil
}

func (l *RedisLedger) key(tenantID string, res Resource) string {
	return fmt.Sprintf("santral:usage:%s:%s:%s", tenantID, res, monthOf(l.now()))
}

// Ping verifies connectivity at startup.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
