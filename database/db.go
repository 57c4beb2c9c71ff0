package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "postgres")
	dbname := getEnv("DB_NAME", "commercedb")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createSchema(db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established")
	return db, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS categories (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS products (
			id SERIAL PRIMARY KEY,
			sku VARCHAR(64) UNIQUE NOT NULL,
			title VARCHAR(255) NOT NULL,
			image TEXT NOT NULL DEFAULT '',
			price DECIMAL(10, 2) NOT NULL CHECK (price >= 0),
			discount_price DECIMAL(10, 2),
			stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
			minimum_order INTEGER NOT NULL DEFAULT 1,
			low_stock_threshold INTEGER NOT NULL DEFAULT 5,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			order_number VARCHAR(13) NOT NULL,
			user_id INTEGER NOT NULL REFERENCES users(id),
			shipping_address JSONB,
			billing_address JSONB,
			payment_method VARCHAR(32) NOT NULL DEFAULT 'cash_on_delivery',
			payment_status VARCHAR(16) NOT NULL DEFAULT 'pending',
			order_status VARCHAR(16) NOT NULL DEFAULT 'pending',
			subtotal DECIMAL(10, 2) NOT NULL DEFAULT 0,
			tax DECIMAL(10, 2) NOT NULL DEFAULT 0,
			discount DECIMAL(10, 2) NOT NULL DEFAULT 0,
			shipping_cost DECIMAL(10, 2) NOT NULL DEFAULT 0,
			total DECIMAL(10, 2) NOT NULL DEFAULT 0,
			stock_restored BOOLEAN NOT NULL DEFAULT FALSE,
			cancelled_at TIMESTAMP,
			cancelled_by VARCHAR(255) NOT NULL DEFAULT '',
			cancel_reason TEXT NOT NULL DEFAULT '',
			delivered_at TIMESTAMP,
			tracking_number VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		// The unique index is the authoritative arbiter for order
		// numbering; duplicate inserts from racing creations fail here
		// and are retried.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_order_number ON orders (order_number);`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			product_id INTEGER NOT NULL,
			title VARCHAR(255) NOT NULL,
			image TEXT NOT NULL DEFAULT '',
			price DECIMAL(10, 2) NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 1),
			total DECIMAL(10, 2) NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS deals (
			id SERIAL PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			deal_type VARCHAR(32) NOT NULL DEFAULT 'percentage',
			discount_value DECIMAL(10, 2) NOT NULL DEFAULT 0,
			original_price DECIMAL(10, 2) NOT NULL,
			deal_price DECIMAL(10, 2) NOT NULL,
			category_id INTEGER NOT NULL REFERENCES categories(id),
			start_date TIMESTAMP NOT NULL,
			end_date TIMESTAMP NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_featured BOOLEAN NOT NULL DEFAULT FALSE,
			max_uses INTEGER NOT NULL DEFAULT -1,
			min_order_value DECIMAL(10, 2) NOT NULL DEFAULT 0,
			applicable_products TEXT[] NOT NULL DEFAULT '{}',
			applicable_categories TEXT[] NOT NULL DEFAULT '{}',
			tags TEXT[] NOT NULL DEFAULT '{}',
			images TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
