// Package session caches per-user portal sessions in memory and in a durable
// store, creating them on demand through a full browser login.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/IshaanNene/portalsession/internal/observability"
	"github.com/IshaanNene/portalsession/internal/store"
	"github.com/IshaanNene/portalsession/internal/types"
)

// Creator runs the login pipeline for one user. live may be nil when the
// browser context could not be kept.
type Creator interface {
	Create(ctx context.Context, userID string) (cookies []types.Cookie, live types.LiveContext, err error)
}

// CreatorFunc adapts a function to Creator.
type CreatorFunc func(ctx context.Context, userID string) ([]types.Cookie, types.LiveContext, error)

func (f CreatorFunc) Create(ctx context.Context, userID string) ([]types.Cookie, types.LiveContext, error) {
	return f(ctx, userID)
}

// Cache is the two-tier session cache. All methods are safe for concurrent
// use.
type Cache struct {
	store           store.Store
	creator         Creator
	ttl             time.Duration
	creationTimeout time.Duration
	logger          *slog.Logger
	metrics         *observability.Metrics
	now             func() time.Time

	mu          sync.Mutex
	entries     map[string]*types.SessionRecord
	generations map[string]uint64
	closed      bool

	flights singleflight.Group
}

// NewCache creates a cache. Creations run detached from callers, bounded by
// creationTimeout.
func NewCache(st store.Store, creator Creator, ttl, creationTimeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Cache {
	return &Cache{
		store:           st,
		creator:         creator,
		ttl:             ttl,
		creationTimeout: creationTimeout,
		logger:          logger.With("component", "session_cache"),
		metrics:         metrics,
		now:             time.Now,
		entries:         make(map[string]*types.SessionRecord),
		generations:     make(map[string]uint64),
	}
}

// Get returns a valid session for userID from memory, then the durable
// store, and creates one when neither has it. The returned record never
// carries the live context.
func (c *Cache) Get(ctx context.Context, userID string) (*types.SessionRecord, error) {
	if userID == "" {
		return nil, &types.CredentialError{Err: errors.New("empty user id")}
	}
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	if rec, ok := c.fromMemory(ctx, userID); ok {
		c.metrics.CacheHits.Add(1)
		return rec, nil
	}
	if rec, ok := c.fromStore(ctx, userID); ok {
		c.metrics.CacheStoreHits.Add(1)
		return rec, nil
	}

	c.metrics.CacheMisses.Add(1)
	return c.create(ctx, userID)
}

// Refresh creates a new session for userID regardless of what is cached.
func (c *Cache) Refresh(ctx context.Context, userID string) (*types.SessionRecord, error) {
	if userID == "" {
		return nil, &types.CredentialError{Err: errors.New("empty user id")}
	}
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.create(ctx, userID)
}

// Invalidate drops userID from both tiers and closes its live context. A
// creation already in flight for the user is discarded when it finishes.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.generations[userID]++
	rec := c.entries[userID]
	delete(c.entries, userID)
	c.mu.Unlock()

	if rec != nil {
		c.closeLive(userID, rec.Live)
	}
	c.metrics.SessionsInvalidate.Add(1)

	if err := c.store.Delete(ctx, userID); err != nil {
		c.metrics.StorageFailures.Add(1)
		return err
	}
	c.logger.Info("session invalidated", "user_id", userID)
	return nil
}

// Close closes every live context held in memory. Later calls fail with
// types.ErrPoolClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*types.SessionRecord)
	c.mu.Unlock()

	var errs []error
	for _, rec := range entries {
		if rec.Live != nil {
			if err := rec.Live.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close live context for %s: %w", rec.UserID, err))
			}
		}
	}
	c.logger.Info("session cache closed", "live_contexts", len(entries))
	return errors.Join(errs...)
}

// Len returns the number of sessions held in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ErrPoolClosed
	}
	return nil
}

// fromMemory serves a valid memory entry. When the entry has a live
// context, its jar is re-read and replaces the cached one; a context that
// can no longer be read is closed and dropped.
func (c *Cache) fromMemory(ctx context.Context, userID string) (*types.SessionRecord, bool) {
	c.mu.Lock()
	rec, ok := c.entries[userID]
	gen := c.generations[userID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	if !rec.Valid(c.now()) {
		c.evict(userID, rec)
		return nil, false
	}
	if rec.Live == nil {
		return rec.Snapshot(), true
	}

	cookies, err := rec.Live.Cookies(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		return rec.Snapshot(), true
	case err != nil || len(cookies) == 0:
		c.logger.Warn("live context unusable, dropping it", "user_id", userID, "error", err)
		next, _ := c.replace(userID, rec, rec.Cookies, nil)
		return next.Snapshot(), true
	case !types.SameCookies(cookies, rec.Cookies):
		next, swapped := c.replace(userID, rec, cookies, rec.Live)
		if !swapped {
			return next.Snapshot(), true
		}
		c.metrics.LiveCookieRefresh.Add(1)
		c.persistRefresh(ctx, userID, gen, next)
		return next.Snapshot(), true
	}
	return rec.Snapshot(), true
}

// persistRefresh writes a refreshed jar durably. When Invalidate or a newer
// creation overtook the write, the durable tier is put back to match memory.
func (c *Cache) persistRefresh(ctx context.Context, userID string, gen uint64, rec *types.SessionRecord) {
	if err := c.store.Upsert(ctx, rec); err != nil {
		c.logger.Warn("persisting refreshed jar failed", "user_id", userID, "error", err)
		return
	}

	c.mu.Lock()
	stale := c.closed || c.generations[userID] != gen
	current := c.entries[userID]
	c.mu.Unlock()
	if !stale && current == rec {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var err error
	switch {
	case current != nil && current != rec:
		err = c.store.Upsert(wctx, current.Snapshot())
	case stale:
		err = c.store.Delete(wctx, userID)
	default:
		return
	}
	if err != nil {
		c.metrics.StorageFailures.Add(1)
		c.logger.Warn("restoring durable session after overtaken refresh failed", "user_id", userID, "error", err)
	}
}

// replace swaps the memory entry for userID if it is still old and reports
// whether it did. The expiry is kept; only re-authentication extends it.
func (c *Cache) replace(userID string, old *types.SessionRecord, cookies []types.Cookie, live types.LiveContext) (*types.SessionRecord, bool) {
	next := &types.SessionRecord{UserID: userID, Cookies: cookies, ExpiresAt: old.ExpiresAt, Live: live}

	c.mu.Lock()
	current := c.entries[userID] == old
	if current {
		c.entries[userID] = next
	}
	c.mu.Unlock()

	if old.Live != nil && live == nil && current {
		c.closeLive(userID, old.Live)
	}
	return next, current
}

func (c *Cache) evict(userID string, rec *types.SessionRecord) {
	c.mu.Lock()
	current := c.entries[userID] == rec
	if current {
		delete(c.entries, userID)
	}
	c.mu.Unlock()

	if current {
		c.closeLive(userID, rec.Live)
		c.logger.Debug("expired session evicted", "user_id", userID)
	}
}

func (c *Cache) fromStore(ctx context.Context, userID string) (*types.SessionRecord, bool) {
	gen := c.generation(userID)

	rec, err := c.store.Get(ctx, userID)
	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		return nil, false
	case err != nil:
		c.metrics.StorageFailures.Add(1)
		c.logger.Warn("durable store read failed, creating a new session", "user_id", userID, "error", err)
		return nil, false
	case !rec.Valid(c.now()):
		return nil, false
	}

	c.mu.Lock()
	if !c.closed && c.generations[userID] == gen {
		if _, ok := c.entries[userID]; !ok {
			c.entries[userID] = rec.Snapshot()
		}
	}
	c.mu.Unlock()
	return rec.Snapshot(), true
}

func (c *Cache) generation(userID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID]
}

// create runs one creation per user and generation. Callers may give up via
// ctx; the creation itself keeps going.
func (c *Cache) create(ctx context.Context, userID string) (*types.SessionRecord, error) {
	gen := c.generation(userID)
	key := fmt.Sprintf("%s#%d", userID, gen)

	ch := c.flights.DoChan(key, func() (any, error) {
		return c.runCreation(userID, gen)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.SharedWaits.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.SessionRecord).Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) runCreation(userID string, gen uint64) (*types.SessionRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.creationTimeout)
	defer cancel()

	log := c.logger.With("user_id", userID)
	start := c.now()

	cookies, live, err := c.creator.Create(ctx, userID)
	if err != nil {
		c.metrics.RecordFailure(string(types.Reason(err)))
		log.Warn("session creation failed", "reason", types.Reason(err), "error", err)
		return nil, err
	}

	rec := types.NewSessionRecord(userID, cookies, c.now(), c.ttl)
	rec.Live = live
	if !rec.Valid(c.now()) {
		c.closeLive(userID, live)
		err := &types.ResourceError{Op: "capture session", Err: errors.New("empty cookie jar")}
		c.metrics.RecordFailure(string(types.Reason(err)))
		return nil, err
	}

	if c.generation(userID) != gen {
		return nil, c.discard(userID, live, false)
	}

	if err := c.store.Upsert(ctx, rec); err != nil {
		c.closeLive(userID, live)
		c.metrics.RecordFailure(string(types.ReasonStorage))
		log.Error("persisting session failed", "error", err)
		return nil, err
	}

	c.mu.Lock()
	if c.closed || c.generations[userID] != gen {
		_, newer := c.entries[userID]
		c.mu.Unlock()
		return nil, c.discard(userID, live, !newer)
	}
	old := c.entries[userID]
	c.entries[userID] = rec
	c.mu.Unlock()

	if old != nil && old.Live != nil && old.Live != live {
		c.closeLive(userID, old.Live)
	}

	c.metrics.SessionsCreated.Add(1)
	log.Info("session cached",
		"expires_at", rec.ExpiresAt,
		"cookies", len(rec.Cookies),
		"live", live != nil,
		"duration", c.now().Sub(start),
	)
	return rec, nil
}

// discard drops a creation overtaken by Invalidate or Close.
func (c *Cache) discard(userID string, live types.LiveContext, written bool) error {
	c.closeLive(userID, live)
	if written {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.Delete(ctx, userID); err != nil {
			c.logger.Warn("removing discarded session failed", "user_id", userID, "error", err)
		}
	}
	c.logger.Info("discarding session created before invalidation", "user_id", userID)
	return types.ErrSessionInvalidated
}

func (c *Cache) closeLive(userID string, live types.LiveContext) {
	if live == nil {
		return
	}
	if err := live.Close(); err != nil {
		c.logger.Debug("closing live context failed", "user_id", userID, "error", err)
	}
}
