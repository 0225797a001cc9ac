package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

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

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetProductStock reads the cached stock field for a product.
func (s *Store) GetProductStock(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := s.db.GetContext(ctx, &stock,
		"SELECT stock_quantity FROM products WHERE id = $1", productID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("product not found: %d", productID)
	}
	return stock, err
}

// ListProductStocks returns product id -> cached stock for cache warmup.
func (s *Store) ListProductStocks(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT id, stock_quantity FROM products")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stocks := make(map[int64]int)
	for rows.Next() {
		var id int64
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		stocks[id] = qty
	}
	return stocks, rows.Err()
}
