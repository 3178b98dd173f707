package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/IshaanNene/portalsession/internal/types"
)

const buntKeyPrefix = "session:"

// BuntStore keeps records in an embedded buntdb file (or ":memory:"). Keys
// expire with the session.
type BuntStore struct {
	db     *buntdb.DB
	logger *slog.Logger
}

// NewBuntStore opens or creates the database at path.
func NewBuntStore(path string, logger *slog.Logger) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, &types.StorageError{Backend: "buntdb", Err: fmt.Errorf("open %s: %w", path, err)}
	}
	if err := db.CreateIndex("sessions", buntKeyPrefix+"*", buntdb.IndexString); err != nil {
		_ = db.Close()
		return nil, &types.StorageError{Backend: "buntdb", Err: fmt.Errorf("create index: %w", err)}
	}

	s := &BuntStore{db: db, logger: logger.With("component", "buntdb_store")}
	s.logger.Info("buntdb store opened", "path", path)
	return s, nil
}

func (s *BuntStore) Name() string { return "buntdb" }

func (s *BuntStore) Get(_ context.Context, userID string) (*types.SessionRecord, error) {
	var rec *types.SessionRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(buntKeyPrefix + userID)
		if err != nil {
			return err
		}
		rec, err = decode([]byte(val))
		return err
	})
	switch {
	case errors.Is(err, buntdb.ErrNotFound):
		return nil, types.ErrSessionNotFound
	case err != nil:
		return nil, &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("get %s: %w", userID, err)}
	}
	return rec, nil
}

func (s *BuntStore) Upsert(_ context.Context, rec *types.SessionRecord) error {
	if err := validate(rec); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}
	data, err := encode(rec)
	if err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}

	ttl := time.Until(rec.ExpiresAt)
	err = s.db.Update(func(tx *buntdb.Tx) error {
		if ttl <= 0 {
			_, err := tx.Delete(buntKeyPrefix + rec.UserID)
			if errors.Is(err, buntdb.ErrNotFound) {
				return nil
			}
			return err
		}
		_, _, err := tx.Set(buntKeyPrefix+rec.UserID, string(data), &buntdb.SetOptions{Expires: true, TTL: ttl})
		return err
	})
	if err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("upsert %s: %w", rec.UserID, err)}
	}
	return nil
}

func (s *BuntStore) Delete(_ context.Context, userID string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(buntKeyPrefix + userID)
		return err
	})
	if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("delete %s: %w", userID, err)}
	}
	return nil
}

func (s *BuntStore) Expiring(_ context.Context, from, to time.Time) ([]string, error) {
	var (
		out     []string
		scanErr error
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("sessions", func(_, val string) bool {
			rec, err := decode([]byte(val))
			if err != nil {
				scanErr = err
				return false
			}
			if inWindow(rec.ExpiresAt, from, to) {
				out = append(out, rec.UserID)
			}
			return true
		})
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		return nil, &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("scan expiring: %w", err)}
	}
	sort.Strings(out)
	return out, nil
}

func (s *BuntStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}
	return nil
}
