package models

import "time"

// CompetitorSnapshot is one point-in-time observation of the Buy Box for a
// product: who leads, at what price, against our own offer. Rows are
// append-only and ordered per product by ObservedAt with ID as tiebreaker.
type CompetitorSnapshot struct {
	ID                  int64     `json:"id"`
	TenantID            string    `json:"tenant_id"`
	ProductID           string    `json:"product_id"`
	ObservedAt          time.Time `json:"observed_at"`
	SellerID            string    `json:"seller_id"`
	SellerName          string    `json:"seller_name"`
	LeaderPrice         float64   `json:"leader_price"`
	OurPrice            float64   `json:"our_price"`
	OfferCount          int       `json:"offer_count"`
	FulfilledByPlatform bool      `json:"fulfilled_by_platform"`
	CreatedAt           time.Time `json:"created_at"`
}
