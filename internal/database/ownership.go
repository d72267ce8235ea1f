package database

import (
	"context"
	"fmt"

	"marketsync/internal/models"
)

// ReplacePeriods swaps a product's derived ownership history in one
// transaction: delete everything, insert the new set. The reconstruction
// engine is the only caller, so rebuilds stay idempotent.
func (db *DB) ReplacePeriods(ctx context.Context, productID string, periods []models.OwnershipPeriod) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin periods tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ownership_periods WHERE product_id = ?`, productID); err != nil {
		return fmt.Errorf("failed to clear periods for %s: %w", productID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ownership_periods
        (product_id, seller_id, seller_name, started_at, ended_at, duration_seconds, avg_price, min_price, max_price, snapshot_count, rebuilt_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare period insert: %w", err)
	}
	defer stmt.Close()

	for i := range periods {
		p := &periods[i]
		result, err := stmt.ExecContext(ctx,
			p.ProductID, p.SellerID, p.SellerName, p.StartedAt, p.EndedAt,
			p.Duration, p.AvgPrice, p.MinPrice, p.MaxPrice, p.SnapshotCount, p.RebuiltAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert period for %s: %w", productID, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			p.ID = id
		}
	}

	return tx.Commit()
}

// GetPeriods returns a product's ownership history ordered by start time.
func (db *DB) GetPeriods(ctx context.Context, productID string) ([]models.OwnershipPeriod, error) {
	query := `SELECT id, product_id, seller_id, seller_name, started_at, ended_at,
                  duration_seconds, avg_price, min_price, max_price, snapshot_count, rebuilt_at
              FROM ownership_periods WHERE product_id = ? ORDER BY started_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to get periods: %w", err)
	}
	defer rows.Close()

	var periods []models.OwnershipPeriod
	for rows.Next() {
		var p models.OwnershipPeriod
		err := rows.Scan(
			&p.ID, &p.ProductID, &p.SellerID, &p.SellerName, &p.StartedAt, &p.EndedAt,
			&p.Duration, &p.AvgPrice, &p.MinPrice, &p.MaxPrice, &p.SnapshotCount, &p.RebuiltAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// ListProductIDsWithSnapshots returns every product that has at least one
// snapshot, for batch rebuilds.
func (db *DB) ListProductIDsWithSnapshots(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT product_id FROM competitor_snapshots ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products with snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
