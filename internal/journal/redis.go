package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/opencog/cogserver-net/internal/config"
)

// RedisBackend pushes JSON-encoded entries onto a Redis list, optionally
// trimmed to its newest maxLen entries.
type RedisBackend struct {
	client *redis.Client
	key    string
	maxLen int64
}

// OpenRedis connects to the server in cfg and checks it answers.
func OpenRedis(ctx context.Context, cfg config.RedisJournalConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisBackend(client, cfg.Key, cfg.MaxLen), nil
}

func NewRedisBackend(client *redis.Client, key string, maxLen int64) *RedisBackend {
	return &RedisBackend{client: client, key: key, maxLen: maxLen}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.key, data)
		if r.maxLen > 0 {
			pipe.LTrim(ctx, r.key, -r.maxLen, -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append error: %w", err)
	}
	return nil
}

// History returns the entries of one session still in the list, oldest
// first.
func (r *RedisBackend) History(ctx context.Context, session string) ([]Entry, error) {
	vals, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange error: %w", err)
	}

	var entries []Entry
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		if e.Session == session {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
