// Package redis stores aggregate snapshots and projection checkpoints in Redis.
//
// Snapshots are kept in one hash per stream and replaced by a script that
// refuses to go back to an older version; the event log itself stays in a SQL
// adapter.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/keelhq/keel/adapters"
)

var (
	_ adapters.SnapshotAdapter   = (*Store)(nil)
	_ adapters.CheckpointAdapter = (*Store)(nil)
	_ adapters.HealthChecker     = (*Store)(nil)
)

// Store is a snapshot and checkpoint store backed by Redis.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Defaults to "keel".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.TrimSuffix(prefix, ":")
	}
}

// WithSnapshotTTL expires snapshots that were not replaced within ttl.
// A missing snapshot only costs a longer replay.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// Connect dials addr and verifies the connection.
func Connect(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("keel/redis: address is required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("keel/redis: ping: %w", err)
	}
	return New(rdb, opts...), nil
}

// New wraps an existing client.
func New(rdb goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: "keel"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) snapshotKey(p adapters.Partition, streamID string) string {
	return s.prefix + ":snapshot:" + p.Key() + ":" + streamID
}

func (s *Store) checkpointKey(p adapters.Partition) string {
	return s.prefix + ":checkpoints:" + p.Key()
}

// saveSnapshot writes the hash only when it holds no snapshot or an older one.
// KEYS[1] snapshot key; ARGV version, data, taken_at, ttl in milliseconds.
var saveSnapshot = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2], 'taken_at', ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// SaveSnapshot replaces the snapshot of a stream unless the stored one is at
// least as new.
func (s *Store) SaveSnapshot(ctx context.Context, p adapters.Partition, streamID string, version int64, data []byte) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if streamID == "" {
		return adapters.ErrEmptyStreamID
	}

	err := saveSnapshot.Run(ctx, s.rdb, []string{s.snapshotKey(p, streamID)},
		version, data, time.Now().UTC().UnixMilli(), s.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("keel/redis: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the snapshot of a stream, or nil if there is none.
func (s *Store) LoadSnapshot(ctx context.Context, p adapters.Partition, streamID string) (*adapters.SnapshotRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	fields, err := s.rdb.HGetAll(ctx, s.snapshotKey(p, streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("keel/redis: load snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("keel/redis: corrupt snapshot version for %s: %w", streamID, err)
	}
	takenAt, _ := strconv.ParseInt(fields["taken_at"], 10, 64)

	return &adapters.SnapshotRecord{
		StreamID: streamID,
		Version:  version,
		Data:     []byte(fields["data"]),
		TakenAt:  time.UnixMilli(takenAt).UTC(),
	}, nil
}

// DeleteSnapshot removes the snapshot of a stream.
func (s *Store) DeleteSnapshot(ctx context.Context, p adapters.Partition, streamID string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.snapshotKey(p, streamID)).Err(); err != nil {
		return fmt.Errorf("keel/redis: delete snapshot: %w", err)
	}
	return nil
}

// GetCheckpoint returns the last processed position of a projection.
func (s *Store) GetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string) (uint64, error) {
	pos, err := s.rdb.HGet(ctx, s.checkpointKey(p), projectionName).Uint64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keel/redis: get checkpoint: %w", err)
	}
	return pos, nil
}

// SetCheckpoint stores the last processed position of a projection.
func (s *Store) SetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string, position uint64) error {
	if err := s.rdb.HSet(ctx, s.checkpointKey(p), projectionName, position).Err(); err != nil {
		return fmt.Errorf("keel/redis: set checkpoint: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
