package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/g2a"
	"github.com/deffgod/gkeys-store-sub002/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	locked      bool
	acquires    int
	released    bool
	store       map[string][]byte
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: map[string][]byte{}}
}

func (f *fakeCache) AcquireLock(_ context.Context, _ string, _ time.Duration) (bool, error) {
	f.acquires++
	if f.locked {
		return false, nil
	}
	f.locked = true
	return true, nil
}

func (f *fakeCache) ReleaseLock(_ context.Context, _ string) error {
	f.locked = false
	f.released = true
	return nil
}

func (f *fakeCache) SetJSON(_ context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.store[key] = data
	return nil
}

func (f *fakeCache) GetJSON(_ context.Context, key string, dest interface{}) (bool, error) {
	data, ok := f.store[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (f *fakeCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.store, k)
	}
	return nil
}

func (f *fakeCache) InvalidateByPrefix(_ context.Context, prefix string) (int, error) {
	f.invalidated = append(f.invalidated, prefix)
	return 0, nil
}

type fakeGameStore struct {
	existing []models.Game
	created  []models.Game
	updated  []models.Game
	removed  []int64

	categories map[string]int64
	genres     map[string]int64
	platforms  map[string]int64
	links      []string

	createErrFor string
	nextID       int64
}

func newFakeGameStore() *fakeGameStore {
	return &fakeGameStore{
		categories: map[string]int64{},
		genres:     map[string]int64{},
		platforms:  map[string]int64{},
		nextID:     1000,
	}
}

func (f *fakeGameStore) GetResellerGames(context.Context) ([]models.Game, error) {
	return f.existing, nil
}

func (f *fakeGameStore) CreateGame(_ context.Context, game *models.Game) error {
	if f.createErrFor != "" && game.G2AID.String == f.createErrFor {
		return errors.New("insert failed")
	}
	f.nextID++
	game.ID = f.nextID
	f.created = append(f.created, *game)
	return nil
}

func (f *fakeGameStore) UpdateGame(_ context.Context, game *models.Game) error {
	f.updated = append(f.updated, *game)
	return nil
}

func (f *fakeGameStore) MarkGamesOutOfStock(_ context.Context, ids []int64) error {
	f.removed = append(f.removed, ids...)
	return nil
}

func (f *fakeGameStore) findOrCreate(m map[string]int64, name string) (int64, error) {
	if id, ok := m[name]; ok {
		return id, nil
	}
	f.nextID++
	m[name] = f.nextID
	return f.nextID, nil
}

func (f *fakeGameStore) FindOrCreateCategory(_ context.Context, name, _ string) (int64, error) {
	return f.findOrCreate(f.categories, name)
}

func (f *fakeGameStore) FindOrCreateGenre(_ context.Context, name string) (int64, error) {
	return f.findOrCreate(f.genres, name)
}

func (f *fakeGameStore) FindOrCreatePlatform(_ context.Context, name string) (int64, error) {
	return f.findOrCreate(f.platforms, name)
}

func (f *fakeGameStore) LinkGameCategory(_ context.Context, gameID, id int64) error {
	f.links = append(f.links, fmt.Sprintf("category:%d:%d", gameID, id))
	return nil
}

func (f *fakeGameStore) LinkGameGenre(_ context.Context, gameID, id int64) error {
	f.links = append(f.links, fmt.Sprintf("genre:%d:%d", gameID, id))
	return nil
}

func (f *fakeGameStore) LinkGamePlatform(_ context.Context, gameID, id int64) error {
	f.links = append(f.links, fmt.Sprintf("platform:%d:%d", gameID, id))
	return nil
}

type fakeSource struct {
	pages    map[int]*g2a.ProductPage
	products map[string]*g2a.Product
	fetchErr error
	fetches  int
}

func (f *fakeSource) FetchProducts(_ context.Context, page, _ int, _ string, _ map[string]string) (*g2a.ProductPage, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	p, ok := f.pages[page]
	if !ok {
		return &g2a.ProductPage{Page: page, TotalPages: len(f.pages)}, nil
	}
	return p, nil
}

func (f *fakeSource) GetProduct(_ context.Context, id string) (*g2a.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, &g2a.APIError{Op: "get_product", Status: 404, Category: g2a.CategoryNotFound}
	}
	return p, nil
}

type fakeSink struct {
	completed []*models.SyncCompletedEvent
}

func (f *fakeSink) PublishSyncCompleted(_ context.Context, e *models.SyncCompletedEvent) error {
	f.completed = append(f.completed, e)
	return nil
}

func product(id, name string, price float64, qty int) g2a.Product {
	return g2a.Product{
		ID:       id,
		Name:     name,
		Price:    price,
		Currency: "EUR",
		Qty:      qty,
	}
}

func onePage(products ...g2a.Product) map[int]*g2a.ProductPage {
	return map[int]*g2a.ProductPage{
		1: {Products: products, Page: 1, TotalPages: 1, Total: len(products)},
	}
}

func newTestEngine(source *fakeSource, store *fakeGameStore, cache *fakeCache, sink *fakeSink) *Engine {
	var events EventSink
	if sink != nil {
		events = sink
	}
	return NewEngine(source, store, cache, events, Config{
		BatchSize:    2,
		FetchRetries: 1,
	})
}

func TestRunRejectsConcurrentSync(t *testing.T) {
	cache := newFakeCache()
	cache.locked = true
	source := &fakeSource{}
	engine := newTestEngine(source, newFakeGameStore(), cache, nil)

	_, err := engine.Run(context.Background(), Options{})

	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Zero(t, source.fetches)
}

func TestRunCreatesNewGames(t *testing.T) {
	cache := newFakeCache()
	store := newFakeGameStore()
	source := &fakeSource{pages: onePage(
		product("g-1", "The Witcher 3", 9.99, 5),
		product("g-2", "DOOM", 19.99, 0),
	)}
	sink := &fakeSink{}
	engine := newTestEngine(source, store, cache, sink)

	summary, err := engine.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Created)
	assert.Empty(t, summary.Errors)
	require.Len(t, store.created, 2)

	first := store.created[0]
	assert.Equal(t, "g-1", first.G2AID.String)
	assert.Equal(t, "the-witcher-3", first.Slug)
	assert.Equal(t, 10.19, first.Price)
	assert.Equal(t, 9.99, first.OriginalPrice)
	assert.True(t, first.InStock)

	second := store.created[1]
	assert.False(t, second.InStock)
	assert.False(t, second.G2AStock)

	assert.True(t, cache.released)
	assert.Contains(t, cache.invalidated, "games:")
	require.Len(t, sink.completed, 1)
	assert.Equal(t, 2, sink.completed[0].Created)
}

func TestRunIncrementalSkipsUnchanged(t *testing.T) {
	images, _ := json.Marshal([]string(nil))
	store := newFakeGameStore()
	store.existing = []models.Game{{
		ID:            7,
		G2AID:         sql.NullString{String: "g-1", Valid: true},
		Title:         "The Witcher 3",
		Price:         10.19,
		OriginalPrice: 9.99,
		InStock:       true,
		G2AStock:      true,
		Images:        string(images),
	}}
	source := &fakeSource{pages: onePage(product("g-1", "The Witcher 3", 9.99, 5))}
	engine := newTestEngine(source, store, newFakeCache(), nil)

	summary, err := engine.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Updated)
	assert.Empty(t, store.updated)
}

func TestRunFullSyncRewritesAndRemovesVanished(t *testing.T) {
	images, _ := json.Marshal([]string(nil))
	store := newFakeGameStore()
	store.existing = []models.Game{
		{
			ID:            7,
			G2AID:         sql.NullString{String: "g-1", Valid: true},
			Price:         10.19,
			OriginalPrice: 9.99,
			InStock:       true,
			G2AStock:      true,
			Images:        string(images),
		},
		{
			ID:      8,
			G2AID:   sql.NullString{String: "g-gone", Valid: true},
			InStock: true,
		},
		{
			// Already out of stock; not re-marked.
			ID:      9,
			G2AID:   sql.NullString{String: "g-dead", Valid: true},
			InStock: false,
		},
	}
	source := &fakeSource{pages: onePage(product("g-1", "The Witcher 3", 9.99, 5))}
	engine := newTestEngine(source, store, newFakeCache(), nil)

	summary, err := engine.Run(context.Background(), Options{FullSync: true})
	require.NoError(t, err)

	// Full sync bypasses the unchanged skip.
	assert.Equal(t, 1, summary.Updated)
	require.Len(t, store.updated, 1)
	assert.Equal(t, int64(7), store.updated[0].ID)

	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, []int64{8}, store.removed)
}

func TestRunFullSyncFetchFailureSkipsRemoval(t *testing.T) {
	store := newFakeGameStore()
	store.existing = []models.Game{
		{ID: 1, G2AID: sql.NullString{String: "g-1", Valid: true}, InStock: true},
		{ID: 2, G2AID: sql.NullString{String: "g-2", Valid: true}, InStock: true},
	}
	source := &fakeSource{fetchErr: &g2a.APIError{Op: "fetch_products", Status: 502, Category: g2a.CategoryUpstream}}
	engine := newTestEngine(source, store, newFakeCache(), nil)

	summary, err := engine.Run(context.Background(), Options{FullSync: true})
	require.NoError(t, err)

	// An empty result set from a failed fetch must not read as "every
	// game vanished".
	assert.Zero(t, summary.Removed)
	assert.Empty(t, store.removed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "category")
}

func TestRunFullSyncProductScopeSkipsRemoval(t *testing.T) {
	store := newFakeGameStore()
	store.existing = []models.Game{
		{ID: 1, G2AID: sql.NullString{String: "g-other", Valid: true}, InStock: true},
	}
	source := &fakeSource{products: map[string]*g2a.Product{
		"g-1": {ID: "g-1", Name: "A", Price: 5, Currency: "EUR", Qty: 1},
	}}
	engine := newTestEngine(source, store, newFakeCache(), nil)

	summary, err := engine.Run(context.Background(), Options{ProductIDs: []string{"g-1"}, FullSync: true})
	require.NoError(t, err)

	// An id-scoped run never sees the full catalog, so games outside
	// the requested ids are left alone.
	assert.Equal(t, 1, summary.Created)
	assert.Zero(t, summary.Removed)
	assert.Empty(t, store.removed)
}

func TestRunPerItemErrorsDoNotAbort(t *testing.T) {
	store := newFakeGameStore()
	store.createErrFor = "g-2"
	source := &fakeSource{pages: onePage(
		product("g-1", "A", 1, 1),
		product("g-2", "B", 2, 1),
		product("g-3", "C", 3, 1),
	)}
	engine := newTestEngine(source, store, newFakeCache(), nil)

	summary, err := engine.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Created)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "g-2")
}

func TestRunMockPagesNeverPersisted(t *testing.T) {
	store := newFakeGameStore()
	store.existing = []models.Game{
		{ID: 1, G2AID: sql.NullString{String: "g-1", Valid: true}, InStock: true},
	}
	source := &fakeSource{pages: map[int]*g2a.ProductPage{
		1: {Products: []g2a.Product{product("mock-1", "Demo", 9.99, 10)}, Page: 1, TotalPages: 1, Mock: true},
	}}
	engine := newTestEngine(source, store, newFakeCache(), nil)

	summary, err := engine.Run(context.Background(), Options{FullSync: true})
	require.NoError(t, err)

	assert.Zero(t, summary.Created)
	assert.Empty(t, store.created)
	// Mock data is no basis for reconciling removals either.
	assert.Zero(t, summary.Removed)
	assert.Empty(t, store.removed)
}

func TestRunProductIDsScope(t *testing.T) {
	store := newFakeGameStore()
	source := &fakeSource{products: map[string]*g2a.Product{
		"g-1": {ID: "g-1", Name: "A", Price: 5, Currency: "EUR", Qty: 1},
	}}
	engine := newTestEngine(source, store, newFakeCache(), nil)

	summary, err := engine.Run(context.Background(), Options{ProductIDs: []string{"g-1", "g-missing"}})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Created)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "g-missing")
	assert.Zero(t, source.fetches)
}

func TestRunLinksTaxonomy(t *testing.T) {
	store := newFakeGameStore()
	p := product("g-1", "A", 5, 1)
	p.Categories = []string{"games"}
	p.Genres = []string{"Action RPG"}
	p.Platform = "Steam Key GLOBAL"
	source := &fakeSource{pages: onePage(p)}
	engine := newTestEngine(source, store, newFakeCache(), nil)

	_, err := engine.Run(context.Background(), Options{IncludeRelationships: true})
	require.NoError(t, err)

	assert.Contains(t, store.genres, "RPG")
	assert.Contains(t, store.platforms, "Steam")
	assert.Contains(t, store.categories, "games")
	assert.Len(t, store.links, 3)
}

func TestRunPagesSequentially(t *testing.T) {
	store := newFakeGameStore()
	source := &fakeSource{pages: map[int]*g2a.ProductPage{
		1: {Products: []g2a.Product{product("g-1", "A", 1, 1)}, Page: 1, TotalPages: 3},
		2: {Products: []g2a.Product{product("g-2", "B", 2, 1)}, Page: 2, TotalPages: 3},
		3: {Products: []g2a.Product{product("g-3", "C", 3, 1)}, Page: 3, TotalPages: 3},
	}}
	engine := newTestEngine(source, store, newFakeCache(), nil)

	summary, err := engine.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Created)
	assert.Equal(t, 3, source.fetches)
}

func TestStatusReadsProgress(t *testing.T) {
	cache := newFakeCache()

	progress, err := Status(context.Background(), cache)
	require.NoError(t, err)
	assert.Nil(t, progress)

	require.NoError(t, cache.SetJSON(context.Background(), progressKey, &models.SyncProgress{Page: 2, TotalPages: 5}, time.Minute))

	progress, err = Status(context.Background(), cache)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 2, progress.Page)
	assert.Equal(t, 5, progress.TotalPages)
}
