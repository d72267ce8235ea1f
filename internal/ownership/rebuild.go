// Package ownership reconstructs contiguous Buy Box ownership periods from
// noisy periodic competitor snapshots.
package ownership

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"marketsync/internal/events"
	"marketsync/internal/metrics"
	"marketsync/internal/models"

	"github.com/rs/zerolog"
)

// BuildPeriods converts a product's snapshots into non-overlapping ownership
// periods. It is a pure function: a single linear pass over the snapshots
// sorted by observed_at (insertion id breaks timestamp ties), no hidden
// state, fully deterministic for a given now.
//
// A change of leader closes the open period at the new snapshot's timestamp.
// Periods with zero duration, or shorter than minDuration, are not emitted;
// the following period's start extends back over the dropped interval so the
// timeline stays contiguous. The final period is emitted open (EndedAt nil)
// with its duration measured against now.
func BuildPeriods(snaps []models.CompetitorSnapshot, now time.Time, minDuration time.Duration) []models.OwnershipPeriod {
	if len(snaps) == 0 {
		return nil
	}

	sorted := make([]models.CompetitorSnapshot, len(snaps))
	copy(sorted, snaps)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ObservedAt.Equal(sorted[j].ObservedAt) {
			return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var (
		periods []models.OwnershipPeriod
		cur     = newRunningPeriod(&sorted[0])
	)

	for i := 1; i < len(sorted); i++ {
		s := &sorted[i]
		if s.SellerID == cur.sellerID {
			cur.accumulate(s.LeaderPrice)
			continue
		}

		end := s.ObservedAt
		duration := end.Sub(cur.start)
		if duration > 0 && duration >= minDuration {
			periods = append(periods, cur.closed(end, now))
			cur = newRunningPeriod(s)
		} else {
			// Transient flap: the reading is absorbed by the next period,
			// which inherits the dropped interval's start.
			start := cur.start
			cur = newRunningPeriod(s)
			cur.start = start
		}
	}

	periods = append(periods, cur.open(now))
	return periods
}

// runningPeriod carries the scan state for one ownership interval.
type runningPeriod struct {
	productID  string
	sellerID   string
	sellerName string
	start      time.Time
	sum        float64
	count      int
	min        float64
	max        float64
}

func newRunningPeriod(s *models.CompetitorSnapshot) runningPeriod {
	return runningPeriod{
		productID:  s.ProductID,
		sellerID:   s.SellerID,
		sellerName: s.SellerName,
		start:      s.ObservedAt,
		sum:        s.LeaderPrice,
		count:      1,
		min:        s.LeaderPrice,
		max:        s.LeaderPrice,
	}
}

func (r *runningPeriod) accumulate(price float64) {
	r.sum += price
	r.count++
	if price < r.min {
		r.min = price
	}
	if price > r.max {
		r.max = price
	}
}

func (r *runningPeriod) closed(end, rebuiltAt time.Time) models.OwnershipPeriod {
	e := end
	return models.OwnershipPeriod{
		ProductID:     r.productID,
		SellerID:      r.sellerID,
		SellerName:    r.sellerName,
		StartedAt:     r.start,
		EndedAt:       &e,
		Duration:      end.Sub(r.start).Seconds(),
		AvgPrice:      r.sum / float64(r.count),
		MinPrice:      r.min,
		MaxPrice:      r.max,
		SnapshotCount: r.count,
		RebuiltAt:     rebuiltAt,
	}
}

func (r *runningPeriod) open(now time.Time) models.OwnershipPeriod {
	duration := now.Sub(r.start).Seconds()
	if duration < 0 {
		duration = 0
	}
	return models.OwnershipPeriod{
		ProductID:     r.productID,
		SellerID:      r.sellerID,
		SellerName:    r.sellerName,
		StartedAt:     r.start,
		Duration:      duration,
		AvgPrice:      r.sum / float64(r.count),
		MinPrice:      r.min,
		MaxPrice:      r.max,
		SnapshotCount: r.count,
		RebuiltAt:     now,
	}
}

// Store is the slice of the database the rebuilder needs.
type Store interface {
	GetSnapshotsAsc(ctx context.Context, productID string) ([]models.CompetitorSnapshot, error)
	ReplacePeriods(ctx context.Context, productID string, periods []models.OwnershipPeriod) error
	ListProductIDsWithSnapshots(ctx context.Context) ([]string, error)
}

// Rebuilder regenerates ownership history from the snapshot store. It is the
// single writer of ownership_periods.
type Rebuilder struct {
	store          Store
	mergeThreshold time.Duration
	logger         zerolog.Logger
	now            func() time.Time
}

func NewRebuilder(store Store, mergeThreshold time.Duration, logger zerolog.Logger) *Rebuilder {
	return &Rebuilder{
		store:          store,
		mergeThreshold: mergeThreshold,
		logger:         logger,
		now:            time.Now,
	}
}

// Rebuild replaces a product's entire derived history. Re-running on the
// same snapshot set yields the identical period set.
func (r *Rebuilder) Rebuild(ctx context.Context, productID string) ([]models.OwnershipPeriod, error) {
	started := time.Now()

	snaps, err := r.store.GetSnapshotsAsc(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots for %s: %w", productID, err)
	}

	periods := BuildPeriods(snaps, r.now(), r.mergeThreshold)
	if err := r.store.ReplacePeriods(ctx, productID, periods); err != nil {
		return nil, fmt.Errorf("replace periods for %s: %w", productID, err)
	}

	metrics.ObserveRebuild(time.Since(started).Seconds())
	r.logger.Debug().
		Str("product_id", productID).
		Int("snapshots", len(snaps)).
		Int("periods", len(periods)).
		Msg("ownership history rebuilt")
	return periods, nil
}

// RebuildAll walks every product with snapshots. One product's failure does
// not abort the batch; the error reports how many failed.
func (r *Rebuilder) RebuildAll(ctx context.Context) error {
	ids, err := r.store.ListProductIDsWithSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}

	failed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Rebuild(ctx, id); err != nil {
			failed++
			r.logger.Error().Err(err).Str("product_id", id).Msg("rebuild failed")
		}
	}

	if failed > 0 {
		return fmt.Errorf("rebuild failed for %d of %d products", failed, len(ids))
	}
	return nil
}

// HandleSnapshotsIngested subscribes the rebuilder to ingestion events.
func (r *Rebuilder) HandleSnapshotsIngested(event *events.Event) error {
	var payload events.SnapshotsIngestedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decode ingestion event: %w", err)
	}
	if payload.ProductID == "" {
		return nil
	}

	if _, err := r.Rebuild(context.Background(), payload.ProductID); err != nil {
		r.logger.Error().Err(err).Str("product_id", payload.ProductID).Msg("rebuild after ingest failed")
		return err
	}
	return nil
}
