package models

import "time"

// OwnershipPeriod is a derived, contiguous interval during which one seller
// held the Buy Box for a product. Periods for a product never overlap and at
// most one of them is open (EndedAt == nil).
type OwnershipPeriod struct {
	ID            int64      `json:"id"`
	ProductID     string     `json:"product_id"`
	SellerID      string     `json:"seller_id"`
	SellerName    string     `json:"seller_name"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at"`
	Duration      float64    `json:"duration_seconds"`
	AvgPrice      float64    `json:"avg_price"`
	MinPrice      float64    `json:"min_price"`
	MaxPrice      float64    `json:"max_price"`
	SnapshotCount int        `json:"snapshot_count"`
	RebuiltAt     time.Time  `json:"rebuilt_at"`
}

// Open reports whether the period represents current ownership.
func (p *OwnershipPeriod) Open() bool {
	return p.EndedAt == nil
}
