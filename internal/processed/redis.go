package processed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists handled fingerprints in Redis so a process
// restart does not re-answer comments that were already handled.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "processed:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "processed:"}
}

func (s *RedisStore) key(paperID string) string {
	return s.prefix + paperID
}

func (s *RedisStore) Seen(ctx context.Context, paperID, fingerprint string) (bool, error) {
	seen, err := s.client.SIsMember(ctx, s.key(paperID), fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return seen, nil
}

func (s *RedisStore) MarkDone(ctx context.Context, paperID string, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	members := make([]interface{}, len(fingerprints))
	for i, fp := range fingerprints {
		members[i] = fp
	}
	if err := s.client.SAdd(ctx, s.key(paperID), members...).Err(); err != nil {
		return fmt.Errorf("record fingerprints: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
