// Package watermark tracks the last fully successful sync in Redis so
// subsequent runs can fetch only records modified since. The watermark
// never resumes an aborted pagination cursor; it only narrows the
// time window of complete runs.
package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultKey is the Redis key the watermark is stored under.
const DefaultKey = "cve_mirror:watermark:last_sync"

// Store reads and advances the sync watermark.
type Store struct {
	redis  *redis.Client
	key    string
	logger zerolog.Logger
}

// NewStore creates a watermark store on the given Redis client.
func NewStore(redisClient *redis.Client, logger zerolog.Logger) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Store{
		redis:  redisClient,
		key:    DefaultKey,
		logger: logger,
	}
}

// Get returns the last watermark. The second return value is false
// when no watermark has been recorded yet.
func (s *Store) Get(ctx context.Context) (time.Time, bool, error) {
	val, err := s.redis.Get(ctx, s.key).Result()
	if err == redis.Nil {
		s.logger.Debug().Msg("No sync watermark recorded, full sync")
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark %q: %w", val, err)
	}

	return t.UTC(), true, nil
}

// Set advances the watermark. Callers only do this after a run that
// finished with no abort and no failed records.
func (s *Store) Set(ctx context.Context, t time.Time) error {
	val := t.UTC().Format(time.RFC3339Nano)
	if err := s.redis.Set(ctx, s.key, val, 0).Err(); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}

	s.logger.Info().Time("watermark", t.UTC()).Msg("Sync watermark advanced")
	return nil
}
