// Package redis persists store snapshots in Redis, one JSON document per
// endpoint. It exists alongside the postgres backend to keep
// persistence.Snapshotter honest as an interface: nothing in the
// contract is relational, so a key-value dump must satisfy it too.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/openlwm2m/core/internal/persistence"
)

const keyPrefix = "lwm2m:snapshot:"

// Store implements persistence.Snapshotter backed by a Redis instance.
type Store struct {
	client *goredis.Client
	ttl    time.Duration
}

var _ persistence.Snapshotter = (*Store)(nil)

// Open connects to the given Redis address and verifies connectivity.
// ttl bounds how long a saved snapshot survives without a refresh; zero
// means no expiry.
func Open(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client, ttl: ttl}, nil
}

// New wraps an existing client, for hosts that pool connections
// themselves.
func New(client *goredis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Key returns the Redis key a snapshot for endpoint is stored under.
func Key(endpoint string) string {
	return keyPrefix + endpoint
}

// Save marshals the snapshot and replaces the endpoint's stored value.
func (s *Store) Save(ctx context.Context, snap *persistence.Snapshot) error {
	payload, err := Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, Key(snap.Endpoint), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// Load returns the endpoint's stored snapshot, or nil when none exists.
func (s *Store) Load(ctx context.Context, endpoint string) (*persistence.Snapshot, error) {
	payload, err := s.client.Get(ctx, Key(endpoint)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return Unmarshal(payload)
}

// Marshal encodes a snapshot as the JSON document stored per endpoint.
func Marshal(snap *persistence.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return payload, nil
}

// Unmarshal decodes a stored snapshot document.
func Unmarshal(payload []byte) (*persistence.Snapshot, error) {
	var snap persistence.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
