package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisStateKey   = "quota"
	redisStateTTL   = 48 * time.Hour
	redisMaxRetries = 200
)

// RedisStore keeps the counter in Redis so several servers can share one
// daily quota. Updates use WATCH/MULTI and are retried on conflict.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// RedisConfig holds Redis connection settings for the quota store.
type RedisConfig struct {
	URL    string
	Prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, key: prefix + redisStateKey}
}

// OpenRedisStore connects to cfg.URL and checks the connection.
func OpenRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(client, cfg.Prefix), nil
}

// Update implements Store.
func (r *RedisStore) Update(ctx context.Context, fn func(*State) error) (State, error) {
	var result State

	txf := func(tx *redis.Tx) error {
		current, err := r.read(ctx, tx)
		if err != nil {
			return err
		}
		next := current
		if err := fn(&next); err != nil {
			return err
		}
		result = next
		if next == current {
			return nil
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode counter: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, payload, redisStateTTL)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := r.client.Watch(ctx, txf, r.key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return State{}, fmt.Errorf("redis quota update: %w", err)
	}
	return State{}, fmt.Errorf("redis quota update: too much contention after %d attempts", redisMaxRetries)
}

func (r *RedisStore) read(ctx context.Context, tx *redis.Tx) (State, error) {
	raw, err := tx.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("redis get: %w", err)
	}
	s, err := parseState(raw)
	if err != nil {
		return State{}, fmt.Errorf("redis counter: %w", err)
	}
	return s, nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
