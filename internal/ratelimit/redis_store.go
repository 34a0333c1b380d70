package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisMaxRetries bounds optimistic-transaction retries under contention.
const redisMaxRetries = 5

// RedisStore keeps buckets in Redis for deployments that want rate-limit
// traffic off the document store. Atomicity comes from WATCH-based optimistic
// transactions keyed by the bucket.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a bucket store over the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(b *Bucket) error) error {
	key = "ratelimit:" + key
	txf := func(tx *redis.Tx) error {
		var b Bucket
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &b); err != nil {
				// Corrupt bucket: start fresh rather than deny forever.
				b = Bucket{}
			}
		}
		if err := fn(&b); err != nil {
			return err
		}
		out, err := json.Marshal(&b)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}
