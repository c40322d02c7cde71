package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deffgod/gkeys-store-sub002/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// GetGameByID retrieves a game by ID
func (s *Store) GetGameByID(ctx context.Context, id int64) (*models.Game, error) {
	var game models.Game
	err := s.db.GetContext(ctx, &game, "SELECT * FROM games WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("game not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &game, nil
}

// GetGameBySlug retrieves a game by slug
func (s *Store) GetGameBySlug(ctx context.Context, slug string) (*models.Game, error) {
	var game models.Game
	err := s.db.GetContext(ctx, &game, "SELECT * FROM games WHERE slug = $1", slug)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("game not found: %s", slug)
	}
	if err != nil {
		return nil, err
	}
	return &game, nil
}

// GetGamesByIDs retrieves multiple games by IDs
func (s *Store) GetGamesByIDs(ctx context.Context, ids []int64) ([]models.Game, error) {
	if len(ids) == 0 {
		return []models.Game{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM games WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var games []models.Game
	err = s.db.SelectContext(ctx, &games, query, args...)
	return games, err
}

// ListGames retrieves a page of in-stock games
func (s *Store) ListGames(ctx context.Context, limit, offset int) ([]models.Game, error) {
	var games []models.Game
	err := s.db.SelectContext(ctx, &games,
		"SELECT * FROM games WHERE in_stock = true ORDER BY title LIMIT $1 OFFSET $2",
		limit, offset)
	return games, err
}

// GetResellerGames loads every reseller-backed game in one query. The
// sync engine diffs the fetched catalog against this set.
func (s *Store) GetResellerGames(ctx context.Context) ([]models.Game, error) {
	var games []models.Game
	err := s.db.SelectContext(ctx, &games,
		"SELECT * FROM games WHERE g2a_id IS NOT NULL")
	return games, err
}

// CreateGame inserts a new game
func (s *Store) CreateGame(ctx context.Context, game *models.Game) error {
	query := `
		INSERT INTO games (g2a_id, title, slug, price, original_price, currency,
			in_stock, g2a_stock, description, images, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, game, query,
		game.G2AID, game.Title, game.Slug, game.Price, game.OriginalPrice,
		game.Currency, game.InStock, game.G2AStock, game.Description, game.Images)
}

// UpdateGame overwrites a game's sync-owned fields
func (s *Store) UpdateGame(ctx context.Context, game *models.Game) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE games
		SET title = $1, slug = $2, price = $3, original_price = $4, currency = $5,
			in_stock = $6, g2a_stock = $7, description = $8, images = $9,
			last_synced_at = NOW(), updated_at = NOW()
		WHERE id = $10`,
		game.Title, game.Slug, game.Price, game.OriginalPrice, game.Currency,
		game.InStock, game.G2AStock, game.Description, game.Images, game.ID)
	return err
}

// MarkGamesOutOfStock soft-removes vanished reseller games. Rows are
// never deleted; the catalog is an audit trail.
func (s *Store) MarkGamesOutOfStock(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE games SET in_stock = false, g2a_stock = false, updated_at = NOW() WHERE id = ANY($1)",
		pq.Array(ids))
	return err
}

// FindOrCreateCategory returns the category id, creating the row when
// missing.
func (s *Store) FindOrCreateCategory(ctx context.Context, name, slug string) (int64, error) {
	return s.findOrCreateNamed(ctx, "categories",
		"INSERT INTO categories (name, slug) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id",
		name, slug)
}

// FindOrCreateGenre returns the genre id, creating the row when missing.
func (s *Store) FindOrCreateGenre(ctx context.Context, name string) (int64, error) {
	return s.findOrCreateNamed(ctx, "genres",
		"INSERT INTO genres (name) VALUES ($1) ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id",
		name)
}

// FindOrCreatePlatform returns the platform id, creating the row when
// missing.
func (s *Store) FindOrCreatePlatform(ctx context.Context, name string) (int64, error) {
	return s.findOrCreateNamed(ctx, "platforms",
		"INSERT INTO platforms (name) VALUES ($1) ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id",
		name)
}

func (s *Store) findOrCreateNamed(ctx context.Context, table, insertQuery string, args ...interface{}) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, insertQuery, args...); err != nil {
		return 0, fmt.Errorf("failed to find or create %s row: %w", table, err)
	}
	return id, nil
}

// LinkGameCategory links a game to a category, skipping existing links
func (s *Store) LinkGameCategory(ctx context.Context, gameID, categoryID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO game_categories (game_id, category_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		gameID, categoryID)
	return err
}

// LinkGameGenre links a game to a genre, skipping existing links
func (s *Store) LinkGameGenre(ctx context.Context, gameID, genreID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO game_genres (game_id, genre_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		gameID, genreID)
	return err
}

// LinkGamePlatform links a game to a platform, skipping existing links
func (s *Store) LinkGamePlatform(ctx context.Context, gameID, platformID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO game_platforms (game_id, platform_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		gameID, platformID)
	return err
}
