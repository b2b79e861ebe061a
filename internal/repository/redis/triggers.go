// Package redis shares the alert trigger index between replicas.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banking/aml-agents/internal/config"
)

// claimScript sets every key to ARGV[1] unless one of them already has an
// owner, which is returned instead.
// KEYS = trigger keys
// ARGV[1] = alert id
// ARGV[2] = ttl in milliseconds, 0 for none
var claimScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
    local owner = redis.call("GET", key)
    if owner then
        return owner
    end
end
local ttl = tonumber(ARGV[2])
for i, key in ipairs(KEYS) do
    if ttl > 0 then
        redis.call("SET", key, ARGV[1], "PX", ttl)
    else
        redis.call("SET", key, ARGV[1])
    end
end
return ARGV[1]
`)

// releaseScript deletes the keys still owned by ARGV[1]
var releaseScript = redis.NewScript(`
local n = 0
for i, key in ipairs(KEYS) do
    if redis.call("GET", key) == ARGV[1] then
        redis.call("DEL", key)
        n = n + 1
    end
end
return n
`)

// TriggerIndex implements alerts.TriggerIndex on Redis
type TriggerIndex struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewClient connects to Redis and checks the connection
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewTriggerIndex wraps client. Keys are stored as <prefix><key>.
func NewTriggerIndex(client redis.UniversalClient, cfg config.RedisConfig) *TriggerIndex {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "aml:trigger:"
	}
	return &TriggerIndex{client: client, prefix: prefix, ttl: cfg.TriggerTTL}
}

func (t *TriggerIndex) Claim(ctx context.Context, alertID string, keys []string) (string, error) {
	if len(keys) == 0 {
		return alertID, nil
	}
	owner, err := claimScript.Run(ctx, t.client, t.redisKeys(keys), alertID, t.ttl.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("failed to claim triggers: %w", err)
	}
	return owner, nil
}

func (t *TriggerIndex) Add(ctx context.Context, alertID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := t.client.Pipeline()
	for _, k := range t.redisKeys(keys) {
		pipe.SetNX(ctx, k, alertID, t.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add triggers: %w", err)
	}
	return nil
}

func (t *TriggerIndex) Release(ctx context.Context, alertID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := releaseScript.Run(ctx, t.client, t.redisKeys(keys), alertID).Err(); err != nil {
		return fmt.Errorf("failed to release triggers: %w", err)
	}
	return nil
}

func (t *TriggerIndex) redisKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = t.prefix + k
	}
	return out
}
