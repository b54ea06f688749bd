// Package session tracks viewer sessions. A session id names one client
// connection; mutations carry it so fan-out can skip echoing a change back
// to the connection that made it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Viewer is the data stored for each session id.
type Viewer struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore implements viewer session storage using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed session store.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
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

	return &RedisStore{client: client, prefix: "viewer:", ttl: ttl}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "viewer:", ttl: ttl}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Save registers a viewer session with the store's TTL.
func (s *RedisStore) Save(ctx context.Context, sessionID string, viewer Viewer) error {
	if viewer.CreatedAt.IsZero() {
		viewer.CreatedAt = time.Now()
	}
	jsonData, err := json.Marshal(viewer)
	if err != nil {
		return fmt.Errorf("marshal viewer: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("save viewer session: %w", err)
	}
	return nil
}

// Lookup resolves a session id to its viewer.
func (s *RedisStore) Lookup(ctx context.Context, sessionID string) (Viewer, error) {
	jsonData, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return Viewer{}, fmt.Errorf("session not found or expired")
	}
	if err != nil {
		return Viewer{}, fmt.Errorf("lookup viewer session: %w", err)
	}

	var viewer Viewer
	if err := json.Unmarshal([]byte(jsonData), &viewer); err != nil {
		return Viewer{}, fmt.Errorf("unmarshal viewer: %w", err)
	}
	return viewer, nil
}

// Touch extends a live session's TTL.
func (s *RedisStore) Touch(ctx context.Context, sessionID string) error {
	if err := s.client.Expire(ctx, s.key(sessionID), s.ttl).Err(); err != nil {
		return fmt.Errorf("touch viewer session: %w", err)
	}
	return nil
}

// Delete removes a viewer session.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete viewer session: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
