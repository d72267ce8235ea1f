package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type DB struct {
	db     *sql.DB
	logger *zerolog.Logger
	queue  queuePolicy
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	// busy_timeout keeps concurrent workers from failing on transient locks
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %v", err)
	}

	if logger != nil {
		logger.Info().Str("path", path).Msg("database initialized")
	}
	return &DB{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Очередь задач синхронизации
		`CREATE TABLE IF NOT EXISTS sync_tasks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_type TEXT NOT NULL,
            tenant_id TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '{}',
            priority INTEGER NOT NULL DEFAULT 100,
            status TEXT NOT NULL DEFAULT 'pending',
            attempt_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            worker_id TEXT,
            lease_expires_at DATETIME,
            scheduled_for DATETIME,
            cancelled BOOLEAN NOT NULL DEFAULT 0,
            dedupe_key TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,

		// Снимки конкурентов (только вставка, без обновлений)
		`CREATE TABLE IF NOT EXISTS competitor_snapshots (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            tenant_id TEXT NOT NULL,
            product_id TEXT NOT NULL,
            observed_at DATETIME NOT NULL,
            seller_id TEXT NOT NULL,
            seller_name TEXT NOT NULL,
            leader_price REAL NOT NULL,
            our_price REAL NOT NULL DEFAULT 0,
            offer_count INTEGER NOT NULL DEFAULT 0,
            fulfilled_by_platform BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL
        )`,

		// Периоды владения Buy Box (полная перезапись при пересчете)
		`CREATE TABLE IF NOT EXISTS ownership_periods (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            product_id TEXT NOT NULL,
            seller_id TEXT NOT NULL,
            seller_name TEXT NOT NULL,
            started_at DATETIME NOT NULL,
            ended_at DATETIME,
            duration_seconds REAL NOT NULL DEFAULT 0,
            avg_price REAL NOT NULL DEFAULT 0,
            min_price REAL NOT NULL DEFAULT 0,
            max_price REAL NOT NULL DEFAULT 0,
            snapshot_count INTEGER NOT NULL DEFAULT 0,
            rebuilt_at DATETIME NOT NULL
        )`,

		// Состояние токен-бакетов
		`CREATE TABLE IF NOT EXISTS rate_limits (
            api_name TEXT NOT NULL,
            endpoint TEXT NOT NULL,
            tenant_id TEXT NOT NULL,
            calls_per_second REAL NOT NULL,
            burst_size INTEGER NOT NULL,
            tokens_available REAL NOT NULL,
            last_refill_at DATETIME NOT NULL,
            calls_today INTEGER NOT NULL DEFAULT 0,
            calls_this_hour INTEGER NOT NULL DEFAULT 0,
            day_key TEXT NOT NULL DEFAULT '',
            hour_key TEXT NOT NULL DEFAULT '',
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (api_name, endpoint, tenant_id)
        )`,

		// Отслеживаемые товары
		`CREATE TABLE IF NOT EXISTS products (
            product_id TEXT PRIMARY KEY,
            tenant_id TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            marketplace TEXT NOT NULL DEFAULT '',
            active BOOLEAN NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_tenant_status ON sync_tasks(tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_claim ON sync_tasks(status, scheduled_for, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_product_time ON competitor_snapshots(product_id, observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_periods_product ON ownership_periods(product_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_products_tenant ON products(tenant_id, active)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %v", query, err)
		}
	}
	return nil
}

// ExecContext exposes the underlying handle for package-internal helpers and
// test fixtures.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return db.db.BeginTx(ctx, opts)
}

func (db *DB) Close() error {
	return db.db.Close()
}
