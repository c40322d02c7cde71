package sync

import (
	"context"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/models"

	"go.uber.org/zap"
)

const progressKey = "sync:progress"

// progressTTL outlives the sync lock so a crashed run leaves a stale
// snapshot rather than nothing, until the next run overwrites it.
const progressTTL = time.Hour

// Cache is the best-effort store for the sync lock and progress
// snapshot. All failures are logged and swallowed.
type Cache interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	InvalidateByPrefix(ctx context.Context, prefix string) (int, error)
}

// tracker maintains the cache-resident progress snapshot during a run.
// Losing it on a cache restart is acceptable; it is pure telemetry.
type tracker struct {
	cache  Cache
	logger *zap.Logger
	state  models.SyncProgress
}

func newTracker(cache Cache, logger *zap.Logger) *tracker {
	return &tracker{cache: cache, logger: logger}
}

func (t *tracker) start(ctx context.Context) {
	t.state = models.SyncProgress{
		InProgress: true,
		StartedAt:  time.Now(),
	}
	t.flush(ctx)
}

func (t *tracker) setPage(ctx context.Context, page, totalPages int) {
	t.state.Page = page
	t.state.TotalPages = totalPages
	t.flush(ctx)
}

func (t *tracker) record(ctx context.Context, created, updated, linked, errors int) {
	t.state.Processed++
	t.state.Created += created
	t.state.Updated += updated
	t.state.Linked += linked
	t.state.Errors += errors
	t.flush(ctx)
}

func (t *tracker) clear(ctx context.Context) {
	if err := t.cache.Delete(ctx, progressKey); err != nil {
		t.logger.Warn("Failed to clear sync progress", zap.Error(err))
	}
}

func (t *tracker) flush(ctx context.Context) {
	t.state.UpdatedAt = time.Now()
	if err := t.cache.SetJSON(ctx, progressKey, &t.state, progressTTL); err != nil {
		t.logger.Warn("Failed to persist sync progress", zap.Error(err))
	}
}

// Status returns the current progress snapshot, or nil when no sync has
// run recently.
func Status(ctx context.Context, cache Cache) (*models.SyncProgress, error) {
	var progress models.SyncProgress
	found, err := cache.GetJSON(ctx, progressKey, &progress)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &progress, nil
}
