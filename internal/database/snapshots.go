package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketsync/internal/models"
)

const snapshotColumns = `id, tenant_id, product_id, observed_at, seller_id, seller_name,
              leader_price, our_price, offer_count, fulfilled_by_platform, created_at`

func scanSnapshot(row interface{ Scan(...interface{}) error }) (*models.CompetitorSnapshot, error) {
	var s models.CompetitorSnapshot
	err := row.Scan(
		&s.ID, &s.TenantID, &s.ProductID, &s.ObservedAt, &s.SellerID, &s.SellerName,
		&s.LeaderPrice, &s.OurPrice, &s.OfferCount, &s.FulfilledByPlatform, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertSnapshots appends a batch of observations in one transaction.
// Snapshot rows are never updated afterwards.
func (db *DB) InsertSnapshots(ctx context.Context, snaps []models.CompetitorSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO competitor_snapshots
        (tenant_id, product_id, observed_at, seller_id, seller_name, leader_price, our_price, offer_count, fulfilled_by_platform, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i := range snaps {
		s := &snaps[i]
		if s.ObservedAt.IsZero() {
			s.ObservedAt = now
		}
		s.CreatedAt = now
		result, err := stmt.ExecContext(ctx,
			s.TenantID, s.ProductID, s.ObservedAt, s.SellerID, s.SellerName,
			s.LeaderPrice, s.OurPrice, s.OfferCount, s.FulfilledByPlatform, s.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot for %s: %w", s.ProductID, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			s.ID = id
		}
	}

	return tx.Commit()
}

// GetSnapshots returns the most recent observations for a product.
func (db *DB) GetSnapshots(ctx context.Context, productID string, limit int) ([]models.CompetitorSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + snapshotColumns + ` FROM competitor_snapshots
              WHERE product_id = ? ORDER BY observed_at DESC, id DESC LIMIT ?`
	return db.querySnapshots(ctx, query, productID, limit)
}

// GetSnapshotsAsc returns the full history for a product in scan order:
// observed_at ascending with insertion id as tiebreaker.
func (db *DB) GetSnapshotsAsc(ctx context.Context, productID string) ([]models.CompetitorSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM competitor_snapshots
              WHERE product_id = ? ORDER BY observed_at ASC, id ASC`
	return db.querySnapshots(ctx, query, productID)
}

// LatestSnapshot returns the newest observation for a product, nil when none.
func (db *DB) LatestSnapshot(ctx context.Context, productID string) (*models.CompetitorSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM competitor_snapshots
              WHERE product_id = ? ORDER BY observed_at DESC, id DESC LIMIT 1`
	snap, err := scanSnapshot(db.QueryRowContext(ctx, query, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snap, nil
}

func (db *DB) querySnapshots(ctx context.Context, query string, args ...interface{}) ([]models.CompetitorSnapshot, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.CompetitorSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, *s)
	}
	return snaps, rows.Err()
}

// UpsertProduct registers or refreshes a tracked product.
func (db *DB) UpsertProduct(ctx context.Context, p *models.Product) error {
	now := time.Now()
	query := `INSERT INTO products (product_id, tenant_id, title, marketplace, active, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(product_id) DO UPDATE SET
                  tenant_id = excluded.tenant_id,
                  title = CASE WHEN excluded.title != '' THEN excluded.title ELSE title END,
                  marketplace = excluded.marketplace,
                  active = excluded.active,
                  updated_at = excluded.updated_at`
	_, err := db.ExecContext(ctx, query, p.ProductID, p.TenantID, p.Title, p.Marketplace, p.Active, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ProductID, err)
	}
	return nil
}

// GetActiveProducts returns tracked products for a tenant.
func (db *DB) GetActiveProducts(ctx context.Context, tenantID string) ([]models.Product, error) {
	query := `SELECT product_id, tenant_id, title, marketplace, active, created_at, updated_at
              FROM products WHERE tenant_id = ? AND active = 1 ORDER BY product_id`
	rows, err := db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ProductID, &p.TenantID, &p.Title, &p.Marketplace, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}
