// Package store persists session records so any process can serve a warm
// session after a restart.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/types"
)

// Store is the durable session tier. There is at most one record per user;
// Upsert replaces it.
type Store interface {
	// Name returns the backend name.
	Name() string
	// Get returns types.ErrSessionNotFound when the user has no record.
	// Expired records may still be returned; callers check validity.
	Get(ctx context.Context, userID string) (*types.SessionRecord, error)
	// Upsert writes rec, replacing any previous record for the user.
	Upsert(ctx context.Context, rec *types.SessionRecord) error
	// Delete removes the user's record. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context, userID string) error
	// Expiring lists users whose records expire in (from, to].
	Expiring(ctx context.Context, from, to time.Time) ([]string, error)
	Close() error
}

// Open creates the backend selected by cfg.Type.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "buntdb":
		return NewBuntStore(cfg.Path, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, cfg.Table, cfg.Debug, logger)
	case "mongo":
		return NewMongoStore(ctx, cfg.DSN, cfg.Database, cfg.Collection, logger)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

// record is the persisted form of a session, shared by the document stores.
type record struct {
	UserID    string         `json:"user_id"    bson:"_id"`
	Cookies   []types.Cookie `json:"cookies"    bson:"cookies"`
	ExpiresAt time.Time      `json:"expires_at" bson:"expires_at"`
	UpdatedAt time.Time      `json:"updated_at" bson:"updated_at"`
}

func toRecord(rec *types.SessionRecord) record {
	snap := rec.Snapshot()
	return record{
		UserID:    snap.UserID,
		Cookies:   snap.Cookies,
		ExpiresAt: snap.ExpiresAt.UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func (r record) session() *types.SessionRecord {
	return &types.SessionRecord{UserID: r.UserID, Cookies: r.Cookies, ExpiresAt: r.ExpiresAt}
}

func encode(rec *types.SessionRecord) ([]byte, error) {
	data, err := json.Marshal(toRecord(rec))
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*types.SessionRecord, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return r.session(), nil
}

func validate(rec *types.SessionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("session record has no user id")
	}
	if len(rec.Cookies) == 0 {
		return fmt.Errorf("session record for %s has no cookies", rec.UserID)
	}
	if rec.ExpiresAt.IsZero() {
		return fmt.Errorf("session record for %s has no expiry", rec.UserID)
	}
	return nil
}

func inWindow(t, from, to time.Time) bool {
	return t.After(from) && !t.After(to)
}
