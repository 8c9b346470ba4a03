package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkOrInsertScript atomically sets key to value if absent, or returns
// the value already stored, each paired with 1 when this call set the key
// and 0 otherwise — the same compare-and-set contract as the Postgres
// backend's ON CONFLICT DO UPDATE ... WHERE expired, but cheaper when a
// Redis cluster is already part of the deployment.
const checkOrInsertScript = `
if redis.call("exists", KEYS[1]) == 0 then
	redis.call("set", KEYS[1], ARGV[1], "EX", ARGV[2])
	return {ARGV[1], 1}
else
	return {redis.call("get", KEYS[1]), 0}
end
`

// RedisStore is the Redis-backed alternative to PostgresStore.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger.With("component", "idempotency")}
}

func idemKey(key string) string { return "idempotency:" + key }

func (s *RedisStore) CheckOrInsert(ctx context.Context, key, valueRef string, ttl time.Duration) (string, bool, error) {
	res, err := s.client.Eval(ctx, checkOrInsertScript, []string{idemKey(key)}, valueRef, int(ttl.Seconds())).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency: redis check-or-insert %q: %w", key, err)
	}
	vals, _ := res.([]any)
	if len(vals) != 2 {
		return "", false, fmt.Errorf("idempotency: redis check-or-insert %q: unexpected reply %v", key, res)
	}
	stored, _ := vals[0].(string)
	created, _ := vals[1].(int64)
	return stored, created == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, idemKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("idempotency: redis get %q: %w", key, err)
	}
	return val, true, nil
}
