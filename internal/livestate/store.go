// Package livestate keeps the latest partial snapshot of each in-flight
// response in Redis, so a stream can be inspected while it is still being
// assembled. Entries expire after a TTL.
package livestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/namikmesic/sidekick-assembler/internal/assembler"
)

const (
	keyPrefix      = "sidekick:live:"
	defaultTimeout = 500 * time.Millisecond
)

// ErrNotFound is returned by Get when no snapshot is stored for a request.
var ErrNotFound = errors.New("livestate: snapshot not found")

type Store struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewFromClient wraps an existing client. The caller owns the client.
func NewFromClient(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, timeout: defaultTimeout}
}

// NewFromURL connects to redisURL and verifies the connection with a PING.
func NewFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("livestate: parse url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("livestate: ping: %w", err)
	}
	return NewFromClient(cli, ttl), nil
}

func Key(requestID string) string { return keyPrefix + requestID }

// Put replaces the stored snapshot for requestID and refreshes its TTL.
func (s *Store) Put(ctx context.Context, requestID string, snap assembler.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("livestate: marshal snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, Key(requestID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("livestate: set %s: %w", requestID, err)
	}
	return nil
}

// Get returns the stored snapshot JSON for requestID.
func (s *Store) Get(ctx context.Context, requestID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(ctx, Key(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("livestate: get %s: %w", requestID, err)
	}
	return data, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
