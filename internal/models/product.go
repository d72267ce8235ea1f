package models

import "time"

// Product is a tracked marketplace listing (ASIN or MLB id).
type Product struct {
	ProductID   string    `yaml:"product_id" json:"product_id"`
	TenantID    string    `yaml:"tenant_id" json:"tenant_id"`
	Title       string    `yaml:"title" json:"title"`
	Marketplace string    `yaml:"marketplace" json:"marketplace"`
	Active      bool      `yaml:"active" json:"active"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at" json:"updated_at"`
}

// Tenant is an isolated seller account whose tasks and quotas are tracked
// independently.
type Tenant struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Marketplaces []string      `yaml:"marketplaces"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}
