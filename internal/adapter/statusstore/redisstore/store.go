// Package redisstore implements the ephemeral job status store on Redis.
//
// Records are keyed {stage}:{owner}:{job_id} and expire via TTL; expiry is
// the only deletion path. Writes are last-writer-wins, which is safe because
// each job has a single writer (the consumer owning its stage).
package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studyloop/tutor-pipeline/internal/domain"
)

// Store implements domain.StatusStore.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store over an existing Redis client.
func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func key(stage, owner, jobID string) string {
	return fmt.Sprintf("%s:%s:%s", stage, owner, jobID)
}

// Set writes the record with the given TTL. Terminal records (done/failed)
// are written the same way; immutability after a terminal write is a caller
// discipline, not enforced here.
func (s *Store) Set(ctx domain.Context, stage, owner, jobID string, rec domain.StatusRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=status.marshal key=%s: %w", key(stage, owner, jobID), err)
	}
	if err := s.rdb.Set(ctx, key(stage, owner, jobID), b, ttl).Err(); err != nil {
		return fmt.Errorf("op=status.set key=%s: %w", key(stage, owner, jobID), err)
	}
	return nil
}

// Get returns the record, or (nil, nil) when the key is missing or expired.
// Callers must treat a nil record as "still processing", never as an error:
// not-yet-written and TTL-expired are indistinguishable here.
func (s *Store) Get(ctx domain.Context, stage, owner, jobID string) (*domain.StatusRecord, error) {
	val, err := s.rdb.Get(ctx, key(stage, owner, jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=status.get key=%s: %w", key(stage, owner, jobID), err)
	}
	var rec domain.StatusRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("op=status.unmarshal key=%s: %w", key(stage, owner, jobID), err)
	}
	return &rec, nil
}

// List returns every record under {stage}:{owner}: via cursor SCAN + MGET.
func (s *Store) List(ctx domain.Context, stage, owner string) ([]domain.StatusRecord, error) {
	pattern := fmt.Sprintf("%s:%s:*", stage, owner)
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("op=status.scan pattern=%s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=status.mget pattern=%s: %w", pattern, err)
	}
	out := make([]domain.StatusRecord, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		var rec domain.StatusRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			slog.Warn("skipping undecodable status record",
				slog.String("key", keys[i]),
				slog.Any("error", err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
