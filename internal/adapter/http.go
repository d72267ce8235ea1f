// Package adapter contains pluggable marketplace connectors. The default
// HTTP JSON adapter is intentionally generic: marketplace-specific wire
// formats live behind private deployments, this package only normalizes
// responses into CompetitorSnapshot records.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/models"

	"golang.org/x/oauth2/clientcredentials"
)

// fetchPayload is the task payload consumed by HTTPJSONAdapter.
type fetchPayload struct {
	TenantID   string   `json:"tenant_id"`
	ProductIDs []string `json:"product_ids"`
}

// snapshotResponse mirrors the normalized competitive-pricing document the
// upstream gateway returns per product.
type snapshotResponse struct {
	Snapshots []struct {
		ProductID           string    `json:"product_id"`
		ObservedAt          time.Time `json:"observed_at"`
		SellerID            string    `json:"seller_id"`
		SellerName          string    `json:"seller_name"`
		LeaderPrice         float64   `json:"leader_price"`
		OurPrice            float64   `json:"our_price"`
		OfferCount          int       `json:"offer_count"`
		FulfilledByPlatform bool      `json:"fulfilled_by_platform"`
	} `json:"snapshots"`
}

// HTTPJSONAdapter fetches competitive-pricing snapshots from a JSON API.
// When a token URL is configured, requests carry an OAuth2
// client-credentials bearer token (Mercado Libre style); otherwise the
// client is plain (SP-API gateways terminate auth upstream).
type HTTPJSONAdapter struct {
	name     string
	endpoint string
	baseURL  string
	client   *http.Client
	timeout  time.Duration
}

func NewHTTPJSONAdapter(cfg config.AdapterConfig) (*HTTPJSONAdapter, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("adapter base_url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid adapter base_url: %w", err)
	}
	if cfg.Name == "" {
		return nil, errors.New("adapter name is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		oauthCfg := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		client = oauthCfg.Client(context.Background())
		client.Timeout = timeout
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "competitive-pricing"
	}

	return &HTTPJSONAdapter{
		name:     cfg.Name,
		endpoint: endpoint,
		baseURL:  strings.TrimRight(base, "/"),
		client:   client,
		timeout:  timeout,
	}, nil
}

func (a *HTTPJSONAdapter) Name() string     { return a.name }
func (a *HTTPJSONAdapter) Endpoint() string { return a.endpoint }

// Fetch requests snapshots for the payload's products and normalizes them.
// Failures are classified here; the worker never guesses.
func (a *HTTPJSONAdapter) Fetch(ctx context.Context, payload []byte) ([]models.CompetitorSnapshot, error) {
	var p fetchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, Permanent(fmt.Errorf("decode task payload: %w", err))
	}
	if len(p.ProductIDs) == 0 {
		return nil, Permanent(errors.New("payload has no product ids"))
	}

	var snaps []models.CompetitorSnapshot
	for _, productID := range p.ProductIDs {
		batch, err := a.fetchProduct(ctx, p.TenantID, productID)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, batch...)
	}
	return snaps, nil
}

func (a *HTTPJSONAdapter) fetchProduct(ctx context.Context, tenantID, productID string) ([]models.CompetitorSnapshot, error) {
	endpoint := fmt.Sprintf("%s/api/v1/%s/%s", a.baseURL, a.endpoint, url.PathEscape(productID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("request %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyStatus(resp.StatusCode,
			fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var doc snapshotResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, Permanent(fmt.Errorf("decode response from %s: %w", endpoint, err))
	}

	snaps := make([]models.CompetitorSnapshot, 0, len(doc.Snapshots))
	for _, s := range doc.Snapshots {
		pid := s.ProductID
		if pid == "" {
			pid = productID
		}
		snaps = append(snaps, models.CompetitorSnapshot{
			TenantID:            tenantID,
			ProductID:           pid,
			ObservedAt:          s.ObservedAt,
			SellerID:            s.SellerID,
			SellerName:          s.SellerName,
			LeaderPrice:         s.LeaderPrice,
			OurPrice:            s.OurPrice,
			OfferCount:          s.OfferCount,
			FulfilledByPlatform: s.FulfilledByPlatform,
		})
	}
	return snaps, nil
}
