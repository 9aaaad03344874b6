package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB connects to the database at the given DSN.
func NewDB(databaseURL string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Println("Connected to PostgreSQL")

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Trades: one row per exchange order
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL UNIQUE,
			client_order_id VARCHAR(64) NOT NULL DEFAULT '',
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(10) NOT NULL,
			requested_qty DOUBLE PRECISION NOT NULL,
			filled_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
			price DOUBLE PRECISION,
			avg_price DOUBLE PRECISION,
			expected_price DOUBLE PRECISION,
			slippage DOUBLE PRECISION,
			slippage_pct DOUBLE PRECISION,
			realized_pnl DOUBLE PRECISION,
			vpa_pattern VARCHAR(50),
			confluence VARCHAR(50),
			ema_deviation VARCHAR(50),
			macro_context TEXT,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			filled_at TIMESTAMPTZ
		)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades(symbol, status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades(created_at)`,

		// Positions: entry/exit trade references are unidirectional
		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			entry_trade_id BIGINT NOT NULL REFERENCES trades(id),
			exit_trade_id BIGINT REFERENCES trades(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			current_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			unrealized_pnl_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			initial_stop DOUBLE PRECISION NOT NULL,
			current_stop DOUBLE PRECISION NOT NULL,
			trailing_activated BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_distance DOUBLE PRECISION,
			highest_price DOUBLE PRECISION,
			lowest_price DOUBLE PRECISION,
			take_profit DOUBLE PRECISION,
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			close_reason VARCHAR(100),
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ
		)`,

		`CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions(symbol, status)`,

		// Risk states: one row per UTC day
		`CREATE TABLE IF NOT EXISTS risk_states (
			id BIGSERIAL PRIMARY KEY,
			date DATE NOT NULL UNIQUE,
			starting_balance DOUBLE PRECISION NOT NULL,
			current_balance DOUBLE PRECISION NOT NULL,
			highest_balance DOUBLE PRECISION NOT NULL,
			daily_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			drawdown DOUBLE PRECISION NOT NULL DEFAULT 0,
			drawdown_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_drawdown_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			losing_trades INTEGER NOT NULL DEFAULT 0,
			system_status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
			pause_reason TEXT,
			paused_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Economic calendar
		`CREATE TABLE IF NOT EXISTS economic_events (
			id BIGSERIAL PRIMARY KEY,
			event_type VARCHAR(10) NOT NULL,
			country VARCHAR(10) NOT NULL,
			release_time TIMESTAMPTZ NOT NULL,
			forecast DOUBLE PRECISION,
			actual DOUBLE PRECISION,
			previous DOUBLE PRECISION,
			impact VARCHAR(10) NOT NULL,
			deviation_from_forecast DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(event_type, country, release_time)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_economic_events_release_time ON economic_events(release_time)`,

		// Ops users for the dashboard surface
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(64) NOT NULL UNIQUE,
			password_hash VARCHAR(100) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Printf("Migrations complete (%d statements)", len(migrations))
	return nil
}
