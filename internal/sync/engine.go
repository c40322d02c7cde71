// Package sync implements the catalog sync engine: it pages the
// reseller catalog, diffs it against the local games table, and writes
// only what changed.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/catalog"
	"github.com/deffgod/gkeys-store-sub002/internal/g2a"
	"github.com/deffgod/gkeys-store-sub002/internal/models"
	"github.com/deffgod/gkeys-store-sub002/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSyncInProgress is returned when another sync holds the global
// lock. Callers fail fast; runs are never queued.
var ErrSyncInProgress = errors.New("catalog sync already in progress")

const (
	lockKey = "catalog-sync"
	perPage = 100
)

// CatalogSource is the read side of the reseller client.
type CatalogSource interface {
	FetchProducts(ctx context.Context, page, perPage int, category string, filters map[string]string) (*g2a.ProductPage, error)
	GetProduct(ctx context.Context, id string) (*g2a.Product, error)
}

// GameStore is the persistence surface the engine writes through.
type GameStore interface {
	GetResellerGames(ctx context.Context) ([]models.Game, error)
	CreateGame(ctx context.Context, game *models.Game) error
	UpdateGame(ctx context.Context, game *models.Game) error
	MarkGamesOutOfStock(ctx context.Context, ids []int64) error
	FindOrCreateCategory(ctx context.Context, name, slug string) (int64, error)
	FindOrCreateGenre(ctx context.Context, name string) (int64, error)
	FindOrCreatePlatform(ctx context.Context, name string) (int64, error)
	LinkGameCategory(ctx context.Context, gameID, categoryID int64) error
	LinkGameGenre(ctx context.Context, gameID, genreID int64) error
	LinkGamePlatform(ctx context.Context, gameID, platformID int64) error
}

// EventSink publishes sync lifecycle events, best-effort.
type EventSink interface {
	PublishSyncCompleted(ctx context.Context, event *models.SyncCompletedEvent) error
}

// Config tunes one engine instance.
type Config struct {
	DefaultCategory string
	MarkupPercent   float64
	PageDelay       time.Duration
	BatchSize       int
	LockTTL         time.Duration
	FetchRetries    int
}

// Options select the scope of one run.
type Options struct {
	ProductIDs           []string
	Categories           []string
	FullSync             bool
	IncludeRelationships bool
}

// Summary reports what a run did. Errors holds per-item failures that
// did not abort the run.
type Summary struct {
	Created int
	Updated int
	Skipped int
	Removed int
	Errors  []string
}

type Engine struct {
	source CatalogSource
	store  GameStore
	cache  Cache
	events EventSink
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a catalog sync engine. events may be nil.
func NewEngine(source CatalogSource, store GameStore, cache Cache, events EventSink, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = "games"
	}
	if cfg.MarkupPercent <= 0 {
		cfg.MarkupPercent = catalog.DefaultMarkupPercent
	}
	return &Engine{
		source: source,
		store:  store,
		cache:  cache,
		events: events,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// Run executes one sync pass. At most one run is active system-wide;
// a second invocation fails immediately with ErrSyncInProgress.
func (e *Engine) Run(ctx context.Context, opts Options) (*Summary, error) {
	ctx, span := util.StartSpan(ctx, "SyncEngine.Run")
	defer span.End()

	acquired, err := e.cache.AcquireLock(ctx, lockKey, e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !acquired {
		return nil, ErrSyncInProgress
	}

	progress := newTracker(e.cache, e.logger)
	progress.start(ctx)
	start := time.Now()

	// Lock release and progress cleanup must happen on every exit path.
	defer func() {
		progress.clear(ctx)
		if err := e.cache.ReleaseLock(context.Background(), lockKey); err != nil {
			e.logger.Error("Failed to release sync lock", zap.Error(err))
		}
	}()

	summary, err := e.run(ctx, opts, progress)
	util.SyncDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		util.SyncRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	util.SyncRunsTotal.WithLabelValues("success").Inc()
	e.logger.Info("Catalog sync finished",
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("removed", summary.Removed),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("duration", time.Since(start)))

	if e.events != nil {
		event := &models.SyncCompletedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeSyncCompleted,
				Timestamp: time.Now(),
			},
			Created:  summary.Created,
			Updated:  summary.Updated,
			Skipped:  summary.Skipped,
			Removed:  summary.Removed,
			ErrCount: len(summary.Errors),
		}
		if err := e.events.PublishSyncCompleted(ctx, event); err != nil {
			e.logger.Warn("Failed to publish sync completed event", zap.Error(err))
		}
	}

	return summary, nil
}

func (e *Engine) run(ctx context.Context, opts Options, progress *tracker) (*Summary, error) {
	summary := &Summary{}

	fetched, complete, err := e.gather(ctx, opts, summary, progress)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.GetResellerGames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load local games: %w", err)
	}
	byG2AID := make(map[string]*models.Game, len(existing))
	for i := range existing {
		byG2AID[existing[i].G2AID.String] = &existing[i]
	}

	seen := make(map[string]bool, len(fetched))
	for offset := 0; offset < len(fetched); offset += e.cfg.BatchSize {
		end := offset + e.cfg.BatchSize
		if end > len(fetched) {
			end = len(fetched)
		}
		for _, product := range fetched[offset:end] {
			seen[product.ID] = true
			if err := e.upsert(ctx, product, byG2AID[product.ID], opts, summary, progress); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("product %s: %v", product.ID, err))
				progress.record(ctx, 0, 0, 0, 1)
				e.logger.Warn("Failed to sync product",
					zap.String("g2a_id", product.ID),
					zap.Error(err))
			}
		}
	}

	// Out-of-stock reconciliation trusts only a complete category
	// fetch: a failed or partial fetch must not wipe the store, and an
	// id-scoped run never sees the full catalog.
	if opts.FullSync && len(opts.ProductIDs) == 0 {
		if !complete || len(fetched) == 0 {
			e.logger.Warn("Catalog fetch incomplete, skipping out-of-stock reconciliation",
				zap.Int("fetched", len(fetched)),
				zap.Int("errors", len(summary.Errors)))
		} else {
			var vanished []int64
			for g2aID, game := range byG2AID {
				if !seen[g2aID] && game.InStock {
					vanished = append(vanished, game.ID)
				}
			}
			if len(vanished) > 0 {
				if err := e.store.MarkGamesOutOfStock(ctx, vanished); err != nil {
					return nil, fmt.Errorf("failed to mark vanished games out of stock: %w", err)
				}
				summary.Removed = len(vanished)
				util.SyncProductsProcessed.WithLabelValues("removed").Add(float64(len(vanished)))
			}
		}
	}

	e.invalidateCaches(ctx)
	return summary, nil
}

// gather collects the products in scope: an explicit id list, or one or
// more categories paged sequentially. The second return value reports
// whether every category page was fetched for real; an id-scoped run is
// never complete in that sense.
func (e *Engine) gather(ctx context.Context, opts Options, summary *Summary, progress *tracker) ([]g2a.Product, bool, error) {
	if len(opts.ProductIDs) > 0 {
		products := make([]g2a.Product, 0, len(opts.ProductIDs))
		for _, id := range opts.ProductIDs {
			product, err := e.source.GetProduct(ctx, id)
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("fetch product %s: %v", id, err))
				continue
			}
			products = append(products, *product)
		}
		return products, false, nil
	}

	categories := opts.Categories
	if len(categories) == 0 {
		categories = []string{e.cfg.DefaultCategory}
	}

	complete := true
	var products []g2a.Product
	for _, category := range categories {
		pages, ok, err := e.fetchCategory(ctx, category, progress)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("category %s: %v", category, err))
			complete = false
			continue
		}
		if !ok {
			complete = false
		}
		products = append(products, pages...)
	}
	return products, complete, nil
}

// fetchCategory pages one category strictly in order with a fixed
// inter-request delay as rate-limit courtesy.
func (e *Engine) fetchCategory(ctx context.Context, category string, progress *tracker) ([]g2a.Product, bool, error) {
	policy := g2a.DefaultPolicy(e.cfg.FetchRetries)

	var first *g2a.ProductPage
	err := policy.Do(ctx, "fetch_products", func() error {
		var err error
		first, err = e.source.FetchProducts(ctx, 1, perPage, category, nil)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if first.Mock {
		// Demo-mode fallback data must never reach the database.
		e.logger.Warn("Skipping mock catalog page", zap.String("category", category))
		return nil, false, nil
	}

	progress.setPage(ctx, 1, first.TotalPages)
	products := append([]g2a.Product(nil), first.Products...)

	ok := true
	for page := 2; page <= first.TotalPages; page++ {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(e.cfg.PageDelay):
		}

		var next *g2a.ProductPage
		err := policy.Do(ctx, "fetch_products", func() error {
			var err error
			next, err = e.source.FetchProducts(ctx, page, perPage, category, nil)
			return err
		})
		if err != nil {
			return nil, false, fmt.Errorf("page %d: %w", page, err)
		}
		if next.Mock {
			ok = false
			continue
		}

		progress.setPage(ctx, page, first.TotalPages)
		products = append(products, next.Products...)
	}

	return products, ok, nil
}

// upsert writes one product: update-in-place when it exists, insert
// otherwise. Unchanged rows are skipped entirely on incremental runs.
func (e *Engine) upsert(ctx context.Context, product g2a.Product, local *models.Game, opts Options, summary *Summary, progress *tracker) error {
	images, err := json.Marshal(product.Images)
	if err != nil {
		return fmt.Errorf("failed to encode images: %w", err)
	}

	next := models.Game{
		G2AID:         sql.NullString{String: product.ID, Valid: true},
		Title:         product.Name,
		Slug:          catalog.Slugify(product.Name),
		Price:         catalog.ApplyMarkupPercent(product.Price, e.cfg.MarkupPercent),
		OriginalPrice: product.Price,
		Currency:      product.Currency,
		InStock:       product.Available(),
		G2AStock:      product.Available(),
		Description:   product.Description,
		Images:        string(images),
	}

	var linked int
	if local != nil {
		if !opts.FullSync && unchanged(local, &next) {
			summary.Skipped++
			util.SyncProductsProcessed.WithLabelValues("skipped").Inc()
			progress.record(ctx, 0, 0, 0, 0)
			return nil
		}

		next.ID = local.ID
		if err := e.store.UpdateGame(ctx, &next); err != nil {
			return err
		}
		summary.Updated++
		util.SyncProductsProcessed.WithLabelValues("updated").Inc()
	} else {
		if err := e.store.CreateGame(ctx, &next); err != nil {
			return err
		}
		summary.Created++
		util.SyncProductsProcessed.WithLabelValues("created").Inc()
	}

	if opts.IncludeRelationships {
		n, err := e.linkTaxonomy(ctx, next.ID, product)
		linked = n
		if err != nil {
			// Links are additive; a partial failure leaves the game
			// itself intact.
			progress.record(ctx, boolToInt(local == nil), boolToInt(local != nil), linked, 1)
			return err
		}
	}

	progress.record(ctx, boolToInt(local == nil), boolToInt(local != nil), linked, 0)
	return nil
}

func (e *Engine) linkTaxonomy(ctx context.Context, gameID int64, product g2a.Product) (int, error) {
	var linked int

	for _, name := range product.Categories {
		id, err := e.store.FindOrCreateCategory(ctx, name, catalog.Slugify(name))
		if err != nil {
			return linked, err
		}
		if err := e.store.LinkGameCategory(ctx, gameID, id); err != nil {
			return linked, err
		}
		linked++
	}

	for _, raw := range product.Genres {
		id, err := e.store.FindOrCreateGenre(ctx, catalog.NormalizeGenre(raw))
		if err != nil {
			return linked, err
		}
		if err := e.store.LinkGameGenre(ctx, gameID, id); err != nil {
			return linked, err
		}
		linked++
	}

	platform := catalog.NormalizePlatform(product.Platform)
	id, err := e.store.FindOrCreatePlatform(ctx, platform)
	if err != nil {
		return linked, err
	}
	if err := e.store.LinkGamePlatform(ctx, gameID, id); err != nil {
		return linked, err
	}
	linked++

	return linked, nil
}

// unchanged compares the fields a sync pass owns. Identical rows are
// not rewritten on incremental runs.
func unchanged(local, next *models.Game) bool {
	return local.Price == next.Price &&
		local.OriginalPrice == next.OriginalPrice &&
		local.InStock == next.InStock &&
		local.G2AStock == next.G2AStock &&
		local.Description == next.Description &&
		local.Images == next.Images
}

func (e *Engine) invalidateCaches(ctx context.Context) {
	for _, prefix := range []string{"catalog:", "home:", "games:"} {
		if _, err := e.cache.InvalidateByPrefix(ctx, prefix); err != nil {
			e.logger.Warn("Failed to invalidate cache prefix",
				zap.String("prefix", prefix),
				zap.Error(err))
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
