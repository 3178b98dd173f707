package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/IshaanNene/portalsession/internal/types"
)

// RedisStore keeps each record as a JSON string that expires with the
// session, plus a sorted set of expiry times for Expiring.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &types.StorageError{Backend: "redis", Err: fmt.Errorf("ping %s: %w", addr, err)}
	}
	return newRedisStore(client, prefix, logger), nil
}

func newRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis_store"),
	}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) key(userID string) string { return s.prefix + "session:" + userID }

func (s *RedisStore) indexKey() string { return s.prefix + "expiry" }

func (s *RedisStore) Get(ctx context.Context, userID string) (*types.SessionRecord, error) {
	val, err := s.client.Get(ctx, s.key(userID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, types.ErrSessionNotFound
	case err != nil:
		return nil, &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("get %s: %w", userID, err)}
	}
	rec, err := decode(val)
	if err != nil {
		return nil, &types.StorageError{Backend: s.Name(), Err: err}
	}
	return rec, nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec *types.SessionRecord) error {
	if err := validate(rec); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, rec.UserID)
	}
	data, err := encode(rec)
	if err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(rec.UserID), data, ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.ExpiresAt.Unix()), Member: rec.UserID})
		return nil
	})
	if err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("upsert %s: %w", rec.UserID, err)}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(userID))
		pipe.ZRem(ctx, s.indexKey(), userID)
		return nil
	})
	if err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("delete %s: %w", userID, err)}
	}
	return nil
}

func (s *RedisStore) Expiring(ctx context.Context, from, to time.Time) ([]string, error) {
	// Keys expire on their own; index members do not.
	stale := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", "("+stale).Err(); err != nil {
		s.logger.Warn("expiry index cleanup failed", "error", err)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("scan expiring: %w", err)}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
