package projections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/shopspring/decimal"
)

// PostgresStore keeps the relational read models next to their sources so
// the reconciliation queries can join them.
type PostgresStore struct {
	pool db.Querier
}

func NewPostgresStore(pool db.Querier) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertMenuView(ctx context.Context, tx pgx.Tx, restaurantID uuid.UUID, doc MenuDocument, at time.Time) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode menu document: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO full_menu_views (restaurant_id, document, version, rebuilt_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (restaurant_id) DO UPDATE
		SET document = EXCLUDED.document,
		    version = full_menu_views.version + 1,
		    rebuilt_at = EXCLUDED.rebuilt_at
	`, restaurantID, raw, at)
	return err
}

func (s *PostgresStore) DeleteMenuView(ctx context.Context, tx pgx.Tx, restaurantID uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM full_menu_views WHERE restaurant_id = $1`, restaurantID)
	return err
}

func (s *PostgresStore) GetMenuView(ctx context.Context, q db.Querier, restaurantID uuid.UUID) (MenuView, error) {
	if q == nil {
		q = s.pool
	}
	var (
		v   MenuView
		raw []byte
	)
	err := q.QueryRow(ctx, `
		SELECT restaurant_id, document, version, rebuilt_at
		FROM full_menu_views WHERE restaurant_id = $1
	`, restaurantID).Scan(&v.RestaurantID, &raw, &v.Version, &v.RebuiltAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MenuView{}, ErrViewNotFound
	}
	if err != nil {
		return MenuView{}, err
	}
	if err := json.Unmarshal(raw, &v.Document); err != nil {
		return MenuView{}, fmt.Errorf("decode menu document: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) MissingMenuViews(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.ids(ctx, `
		SELECT r.id
		FROM restaurants r
		WHERE r.active
		  AND EXISTS (SELECT 1 FROM menus m WHERE m.restaurant_id = r.id AND m.enabled)
		  AND NOT EXISTS (SELECT 1 FROM full_menu_views v WHERE v.restaurant_id = r.id)
		ORDER BY r.id
		LIMIT $1
	`, limit)
}

func (s *PostgresStore) OrphanMenuViews(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.ids(ctx, `
		SELECT v.restaurant_id
		FROM full_menu_views v
		LEFT JOIN restaurants r ON r.id = v.restaurant_id
		WHERE r.id IS NULL
		   OR NOT r.active
		   OR NOT EXISTS (SELECT 1 FROM menus m WHERE m.restaurant_id = r.id AND m.enabled)
		ORDER BY v.rebuilt_at
		LIMIT $1
	`, limit)
}

func (s *PostgresStore) StalestMenuViews(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.ids(ctx, `
		SELECT restaurant_id FROM full_menu_views ORDER BY rebuilt_at, restaurant_id LIMIT $1
	`, limit)
}

func (s *PostgresStore) UpsertReviewSummary(ctx context.Context, tx pgx.Tx, sum ReviewSummary) error {
	counts := make([]int32, len(sum.RatingCounts))
	for i, c := range sum.RatingCounts {
		counts[i] = int32(c)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO restaurant_review_summaries
			(restaurant_id, review_count, average_rating, rating_counts, last_review_at, rebuilt_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
		ON CONFLICT (restaurant_id) DO UPDATE
		SET review_count = EXCLUDED.review_count,
		    average_rating = EXCLUDED.average_rating,
		    rating_counts = EXCLUDED.rating_counts,
		    last_review_at = EXCLUDED.last_review_at,
		    rebuilt_at = EXCLUDED.rebuilt_at
	`, sum.RestaurantID, sum.ReviewCount, sum.AverageRating.StringFixed(2), counts, sum.LastReviewAt, sum.RebuiltAt)
	return err
}

func (s *PostgresStore) DeleteReviewSummary(ctx context.Context, tx pgx.Tx, restaurantID uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM restaurant_review_summaries WHERE restaurant_id = $1`, restaurantID)
	return err
}

func (s *PostgresStore) GetReviewSummary(ctx context.Context, q db.Querier, restaurantID uuid.UUID) (ReviewSummary, error) {
	if q == nil {
		q = s.pool
	}
	var (
		sum    ReviewSummary
		avg    string
		counts []int32
	)
	err := q.QueryRow(ctx, `
		SELECT restaurant_id, review_count, average_rating::text, rating_counts, last_review_at, rebuilt_at
		FROM restaurant_review_summaries WHERE restaurant_id = $1
	`, restaurantID).Scan(&sum.RestaurantID, &sum.ReviewCount, &avg, &counts, &sum.LastReviewAt, &sum.RebuiltAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReviewSummary{}, ErrViewNotFound
	}
	if err != nil {
		return ReviewSummary{}, err
	}
	if sum.AverageRating, err = decimal.NewFromString(avg); err != nil {
		return ReviewSummary{}, fmt.Errorf("decode average rating: %w", err)
	}
	for i := 0; i < len(counts) && i < len(sum.RatingCounts); i++ {
		sum.RatingCounts[i] = int(counts[i])
	}
	return sum, nil
}

func (s *PostgresStore) MissingReviewSummaries(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.ids(ctx, `
		SELECT DISTINCT rv.restaurant_id
		FROM reviews rv
		WHERE NOT rv.hidden
		  AND NOT EXISTS (SELECT 1 FROM restaurant_review_summaries s WHERE s.restaurant_id = rv.restaurant_id)
		ORDER BY rv.restaurant_id
		LIMIT $1
	`, limit)
}

func (s *PostgresStore) OrphanReviewSummaries(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.ids(ctx, `
		SELECT s.restaurant_id
		FROM restaurant_review_summaries s
		WHERE NOT EXISTS (SELECT 1 FROM reviews rv WHERE rv.restaurant_id = s.restaurant_id AND NOT rv.hidden)
		ORDER BY s.rebuilt_at
		LIMIT $1
	`, limit)
}

func (s *PostgresStore) StalestReviewSummaries(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.ids(ctx, `
		SELECT restaurant_id FROM restaurant_review_summaries ORDER BY rebuilt_at, restaurant_id LIMIT $1
	`, limit)
}

func (s *PostgresStore) ids(ctx context.Context, sql string, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

var (
	_ MenuViewStore = (*PostgresStore)(nil)
	_ SummaryStore  = (*PostgresStore)(nil)
)
