package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrInsufficientBalance is returned when a guarded debit finds the
// user short of funds.
var ErrInsufficientBalance = fmt.Errorf("insufficient balance")

// ErrUserNotFound distinguishes a missing user row from an
// infrastructure failure on the same lookup.
var ErrUserNotFound = fmt.Errorf("user not found")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection. Used by tests with
// sqlmock.
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetUserByID retrieves a user by ID
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreditBalance atomically credits a user's balance and records the
// matching transaction row, both inside one transaction.
func (s *Store) CreditBalance(ctx context.Context, userID int64, amount float64, txType string, orderID sql.NullInt64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = balance + $1 WHERE id = $2",
		amount, userID); err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO transactions (user_id, order_id, type, amount) VALUES ($1, $2, $3, $4)",
		userID, orderID, txType, amount); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	return tx.Commit()
}

// GetTransactionsByUserID retrieves the balance audit trail for a user
func (s *Store) GetTransactionsByUserID(ctx context.Context, userID int64) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.SelectContext(ctx, &txs,
		"SELECT * FROM transactions WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return txs, err
}
