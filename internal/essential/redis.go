package essential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/njoerd114/hazardrelay/internal/model"
)

// RedisConfig holds connection settings for [DialRedis].
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisStore keeps the snapshot as one JSON string under a single key. SET
// replaces the value atomically, so readers never see a partial snapshot.
type RedisStore struct {
	client *redis.Client
	key    string
}

// DialRedis connects to Redis and verifies the connection with a PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %q: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.Key), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// SaveSnapshot replaces the stored snapshot.
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, b, 0).Err(); err != nil {
		return fmt.Errorf("saving snapshot to redis: %w: %w", model.ErrStorage, err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil if the key is absent.
func (s *RedisStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil //nolint:nilnil // absent key means never refreshed
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot from redis: %w: %w", model.ErrStorage, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
