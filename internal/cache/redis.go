package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Redis connection used by RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// DialRedis connects to Redis and verifies the connection with PING.
func DialRedis(ctx context.Context, opts RedisOptions) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:           []string{opts.Addr},
		Password:        opts.Password,
		DB:              opts.DB,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisStore keeps entries as JSON values with a per-entry TTL, indexed by a
// set per category and complexity. Similarity is computed client-side.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisStore creates a store. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, log *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "taskengine:cache:"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (s *RedisStore) entryKey(id string) string {
	return s.prefix + "entry:" + id
}

func (s *RedisStore) indexKey(f Filter) string {
	return fmt.Sprintf("%sindex:%s:%s", s.prefix, f.Category, f.Complexity)
}

// Insert implements Store.
func (s *RedisStore) Insert(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	index := s.indexKey(Filter{Category: entry.Category, Complexity: entry.Complexity})

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(entry.ID), data, s.ttl)
	pipe.SAdd(ctx, index, entry.ID)
	if s.ttl > 0 {
		// The index lives as long as its newest entry
		pipe.Expire(ctx, index, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis insert %s: %w", entry.ID, err)
	}
	return nil
}

// Query implements Store. Index members whose entry has expired are removed.
func (s *RedisStore) Query(ctx context.Context, vec []float32, filter Filter, limit int) ([]Match, error) {
	index := s.indexKey(filter)

	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index %s: %w", index, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	var (
		matches []Match
		stale   []interface{}
	)
	for i, val := range vals {
		raw, ok := val.(string)
		if !ok {
			// Skip expired/deleted keys
			stale = append(stale, ids[i])
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.log.Warn("Skipping malformed cache entry", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		matches = append(matches, Match{Entry: entry, Similarity: Cosine(vec, entry.Embedding)})
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, index, stale...).Err(); err != nil {
			s.log.Debug("Failed to prune cache index", zap.String("index", index), zap.Error(err))
		}
	}

	return rank(matches, limit), nil
}
