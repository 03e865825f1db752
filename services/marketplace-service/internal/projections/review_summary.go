package projections

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reviews"
	"github.com/shopspring/decimal"
)

type ReviewReader interface {
	ListVisibleReviews(ctx context.Context, q db.Querier, restaurantID uuid.UUID) ([]reviews.Review, error)
}

type ReviewSummary struct {
	RestaurantID  uuid.UUID       `json:"restaurant_id"`
	ReviewCount   int             `json:"review_count"`
	AverageRating decimal.Decimal `json:"average_rating"`
	// RatingCounts[i] counts reviews rated i+1 stars.
	RatingCounts [5]int    `json:"rating_counts"`
	LastReviewAt time.Time `json:"last_review_at"`
	RebuiltAt    time.Time `json:"rebuilt_at"`
}

// BuildReviewSummary aggregates the visible reviews of one restaurant.
func BuildReviewSummary(restaurantID uuid.UUID, visible []reviews.Review) (ReviewSummary, error) {
	if len(visible) == 0 {
		return ReviewSummary{}, fmt.Errorf("%w: no visible reviews for restaurant %s", ErrNotQualified, restaurantID)
	}
	s := ReviewSummary{RestaurantID: restaurantID, ReviewCount: len(visible)}
	total := 0
	for _, r := range visible {
		if r.Rating < 1 || r.Rating > 5 {
			return ReviewSummary{}, fmt.Errorf("review %s has rating %d", r.ID, r.Rating)
		}
		total += r.Rating
		s.RatingCounts[r.Rating-1]++
		if r.CreatedAt.After(s.LastReviewAt) {
			s.LastReviewAt = r.CreatedAt
		}
	}
	s.AverageRating = decimal.NewFromInt(int64(total)).DivRound(decimal.NewFromInt(int64(len(visible))), 2)
	return s, nil
}

type SummaryStore interface {
	UpsertReviewSummary(ctx context.Context, tx pgx.Tx, s ReviewSummary) error
	DeleteReviewSummary(ctx context.Context, tx pgx.Tx, restaurantID uuid.UUID) error
	GetReviewSummary(ctx context.Context, q db.Querier, restaurantID uuid.UUID) (ReviewSummary, error)
	MissingReviewSummaries(ctx context.Context, limit int) ([]uuid.UUID, error)
	OrphanReviewSummaries(ctx context.Context, limit int) ([]uuid.UUID, error)
	StalestReviewSummaries(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// ReviewSummaries keeps rating aggregates for restaurants with visible reviews.
type ReviewSummaries struct {
	source    ReviewReader
	summaries SummaryStore
	now       func() time.Time
}

func NewReviewSummaries(source ReviewReader, summaries SummaryStore) *ReviewSummaries {
	return &ReviewSummaries{source: source, summaries: summaries, now: time.Now}
}

func (*ReviewSummaries) Name() string { return "restaurant_review_summary" }

func (*ReviewSummaries) EventTypes() []string { return reviews.EventTypes() }

func (*ReviewSummaries) Keys(evt events.Event) []uuid.UUID { return restaurantKeys(evt) }

func (m *ReviewSummaries) Rebuild(ctx context.Context, tx pgx.Tx, key uuid.UUID) error {
	visible, err := m.source.ListVisibleReviews(ctx, tx, key)
	if err != nil {
		return fmt.Errorf("load reviews: %w", err)
	}
	s, err := BuildReviewSummary(key, visible)
	if err != nil {
		return err
	}
	s.RebuiltAt = m.now().UTC()
	return m.summaries.UpsertReviewSummary(ctx, tx, s)
}

func (m *ReviewSummaries) Delete(ctx context.Context, tx pgx.Tx, key uuid.UUID) error {
	return m.summaries.DeleteReviewSummary(ctx, tx, key)
}

func (m *ReviewSummaries) Missing(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return m.summaries.MissingReviewSummaries(ctx, limit)
}

func (m *ReviewSummaries) Orphans(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return m.summaries.OrphanReviewSummaries(ctx, limit)
}

func (m *ReviewSummaries) Stalest(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return m.summaries.StalestReviewSummaries(ctx, limit)
}

var _ Reconcilable = (*ReviewSummaries)(nil)
