// Package presence tracks which node currently serves a user's realtime
// connections. Entries are TTL-bound: a node that dies stops renewing and
// its users drop offline without cleanup traffic.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client *redis.Client
	prefix string
	nodeID string
	ttl    time.Duration
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisURL, nodeID string, ttl time.Duration) (*Store, error) {
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

	return NewStoreWithClient(client, nodeID, ttl), nil
}

// NewStoreWithClient builds a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client, nodeID string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Store{
		client: client,
		prefix: "presence:",
		nodeID: nodeID,
		ttl:    ttl,
	}
}

func (s *Store) key(userID string) string {
	return s.prefix + userID
}

// Online marks the user as served by this node and starts the TTL window.
// Renewing is the same write, so heartbeats just call Online again.
func (s *Store) Online(ctx context.Context, userID string) error {
	if err := s.client.Set(ctx, s.key(userID), s.nodeID, s.ttl).Err(); err != nil {
		return fmt.Errorf("presence online: %w", err)
	}
	return nil
}

// Offline removes the user's entry, but only when it still points at this
// node: the user may have already reconnected through another node.
func (s *Store) Offline(ctx context.Context, userID string) error {
	current, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("presence offline: %w", err)
	}
	if current != s.nodeID {
		return nil
	}
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("presence offline: %w", err)
	}
	return nil
}

// Lookup reports the node serving the user, if any.
func (s *Store) Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error) {
	val, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("presence lookup: %w", err)
	}
	return val, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
