package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/IshaanNene/portalsession/internal/types"
)

// sessionRow maps a record onto the portal_sessions table.
type sessionRow struct {
	bun.BaseModel `bun:"table:portal_sessions,alias:ps"`

	UserID    string         `bun:"user_id,pk"`
	Cookies   []types.Cookie `bun:"cookies,type:jsonb,notnull"`
	ExpiresAt time.Time      `bun:"expires_at,notnull"`
	UpdatedAt time.Time      `bun:"updated_at,notnull"`
}

// PostgresStore keeps one row per user, upserted on conflict.
type PostgresStore struct {
	db     *bun.DB
	table  string
	logger *slog.Logger
}

// NewPostgresStore connects, pings and creates the table and its expiry
// index when missing.
func NewPostgresStore(ctx context.Context, dsn, table string, debug bool, logger *slog.Logger) (*PostgresStore, error) {
	if table == "" {
		table = "portal_sessions"
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqldb.PingContext(pingCtx); err != nil {
		_ = sqldb.Close()
		return nil, &types.StorageError{Backend: "postgres", Err: fmt.Errorf("ping: %w", err)}
	}

	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	s := &PostgresStore{
		db:     db,
		table:  table,
		logger: logger.With("component", "postgres_store"),
	}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, &types.StorageError{Backend: "postgres", Err: err}
	}

	s.logger.Info("postgres store ready", "table", table)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*sessionRow)(nil)).
		ModelTableExpr("?", bun.Ident(s.table)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	_, err = s.db.NewCreateIndex().
		Model((*sessionRow)(nil)).
		ModelTableExpr("?", bun.Ident(s.table)).
		Index(s.table + "_expires_at_idx").
		Column("expires_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create expiry index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Get(ctx context.Context, userID string) (*types.SessionRecord, error) {
	row := new(sessionRow)
	err := s.db.NewSelect().
		Model(row).
		ModelTableExpr("? AS ps", bun.Ident(s.table)).
		Where("ps.user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, types.ErrSessionNotFound
	case err != nil:
		return nil, &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("get %s: %w", userID, err)}
	}
	return &types.SessionRecord{UserID: row.UserID, Cookies: row.Cookies, ExpiresAt: row.ExpiresAt}, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *types.SessionRecord) error {
	if err := validate(rec); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}
	r := toRecord(rec)
	row := &sessionRow{UserID: r.UserID, Cookies: r.Cookies, ExpiresAt: r.ExpiresAt, UpdatedAt: r.UpdatedAt}

	_, err := s.db.NewInsert().
		Model(row).
		ModelTableExpr("?", bun.Ident(s.table)).
		On("CONFLICT (user_id) DO UPDATE").
		Set("cookies = EXCLUDED.cookies").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("upsert %s: %w", rec.UserID, err)}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.NewDelete().
		Model((*sessionRow)(nil)).
		ModelTableExpr("? AS ps", bun.Ident(s.table)).
		Where("ps.user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("delete %s: %w", userID, err)}
	}
	return nil
}

func (s *PostgresStore) Expiring(ctx context.Context, from, to time.Time) ([]string, error) {
	var ids []string
	err := s.db.NewSelect().
		Model((*sessionRow)(nil)).
		ModelTableExpr("? AS ps", bun.Ident(s.table)).
		ColumnExpr("ps.user_id").
		Where("ps.expires_at > ?", from.UTC()).
		Where("ps.expires_at <= ?", to.UTC()).
		Order("ps.user_id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("scan expiring: %w", err)}
	}
	return ids, nil
}

func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}
	return nil
}
