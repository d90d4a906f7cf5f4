package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/repository"
)

// persistedTTL bounds how long bookkeeping for an idle room is kept.
const persistedTTL = 7 * 24 * time.Hour

// RedisStateRepository implements repository.StateRepository on Redis.
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateRepository creates the repository. Keys are prefixed with
// keyPrefix, "mm:" when empty.
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "mm:"
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisStateRepository) roomSnapshotCacheKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:snapshot", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomPersistedVersionKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:persisted_version", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomLastSnapshotKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:last_snapshot_at", r.keyPrefix, roomID)
}

// GetSnapshotCache returns repository.ErrCacheMiss when nothing is cached.
func (r *RedisStateRepository) GetSnapshotCache(ctx context.Context, roomID string) (*domain.Snapshot, error) {
	key := r.roomSnapshotCacheKey(roomID)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: failed to get snapshot cache for room %s from %s: %w", roomID, key, err)
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("redis: snapshot cache for room %s: %v: %w", roomID, err, repository.ErrCorrupt)
	}
	snapshot.Normalize()
	return &snapshot, nil
}

// SetSnapshotCache stores the snapshot without its participant list, which
// is only meaningful while the room is live.
func (r *RedisStateRepository) SetSnapshotCache(ctx context.Context, snapshot *domain.Snapshot, ttl time.Duration) error {
	key := r.roomSnapshotCacheKey(snapshot.RoomID)
	stored := *snapshot
	stored.Participants = nil
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal snapshot for cache (room %s, version %d): %w", snapshot.RoomID, snapshot.Version, err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set snapshot cache for room %s on key %s: %w", snapshot.RoomID, key, err)
	}
	return nil
}

// GetPersistedVersion treats a missing key as version 0.
func (r *RedisStateRepository) GetPersistedVersion(ctx context.Context, roomID string) (uint64, error) {
	key := r.roomPersistedVersionKey(roomID)
	versionStr, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: failed to get persisted version for room %s from %s: %w", roomID, key, err)
	}
	version, err := strconv.ParseUint(versionStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: failed to parse version '%s' for room %s: %w", versionStr, roomID, err)
	}
	return version, nil
}

// MarkPersisted writes the version and the timestamp in one round trip.
func (r *RedisStateRepository) MarkPersisted(ctx context.Context, roomID string, version uint64, at time.Time) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.roomPersistedVersionKey(roomID), strconv.FormatUint(version, 10), persistedTTL)
	pipe.Set(ctx, r.roomLastSnapshotKey(roomID), at.UTC().Format(time.RFC3339Nano), persistedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to mark room %s persisted at version %d: %w", roomID, version, err)
	}
	return nil
}

// GetLastSnapshotTime returns the zero time when the room was never
// persisted.
func (r *RedisStateRepository) GetLastSnapshotTime(ctx context.Context, roomID string) (time.Time, error) {
	key := r.roomLastSnapshotKey(roomID)
	s, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("redis: failed to get last snapshot time for room %s: %w", roomID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "value": s}).Warn("redis: unparsable last snapshot time, treating as never")
		return time.Time{}, nil
	}
	return t, nil
}

// CleanupRoomState deletes the cached snapshot and the bookkeeping keys.
func (r *RedisStateRepository) CleanupRoomState(ctx context.Context, roomID string) error {
	keys := []string{
		r.roomSnapshotCacheKey(roomID),
		r.roomPersistedVersionKey(roomID),
		r.roomLastSnapshotKey(roomID),
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: failed to clean up state for room %s: %w", roomID, err)
	}
	return nil
}

// CheckRateLimit counts hits on key; every hit pushes the window forward.
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	key = r.keyPrefix + "ratelimit:" + key
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", key, err)
	}
	count, err := incrCmd.Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to get incr result for rate limit on key %s: %w", key, err)
	}
	return count > int64(limit), nil
}
