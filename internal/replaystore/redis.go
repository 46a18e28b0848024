package replaystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/rabbit-force/internal/domain"
)

// RedisStore is the remote key-value backend addressed by a redis:// URL, as
// specified in spec.md §6. Keys are `{prefix}:{org}:{channel}`; values are
// the ReplayMarker's JSON encoding. No TTL is set: markers live as long as
// the Redis keyspace does.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore dials a redis://host:port[/db] address. additionalParams are
// applied on top of the parsed URL (e.g. "pool_size", "max_retries") the way
// source.replay.additional_params is documented in §6.
func NewRedisStore(address, keyPrefix string, additionalParams map[string]string) (*RedisStore, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("replaystore: parse redis address: %w", err)
	}
	for k, v := range additionalParams {
		switch strings.ToLower(k) {
		case "pool_size":
			if n, convErr := strconv.Atoi(v); convErr == nil {
				opts.PoolSize = n
			}
		case "max_retries":
			if n, convErr := strconv.Atoi(v); convErr == nil {
				opts.MaxRetries = n
			}
		case "username":
			opts.Username = v
		}
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: keyPrefix}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Get(ctx context.Context, org, channel string) (*domain.ReplayMarker, error) {
	raw, err := s.client.Get(ctx, key(s.prefix, org, channel)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("replaystore: get %s/%s: %w", org, channel, err)
	}
	var marker domain.ReplayMarker
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		return nil, fmt.Errorf("replaystore: decode %s/%s: %w", org, channel, err)
	}
	return &marker, nil
}

func (s *RedisStore) Set(ctx context.Context, org, channel string, marker domain.ReplayMarker) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("replaystore: encode %s/%s: %w", org, channel, err)
	}
	if err := s.client.Set(ctx, key(s.prefix, org, channel), raw, 0).Err(); err != nil {
		return fmt.Errorf("replaystore: set %s/%s: %w", org, channel, err)
	}
	return nil
}
