// Package reviews holds the customer review aggregate that feeds the
// restaurant review summary read model.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
)

const (
	AggregateReview = "reviews.review"

	TypeReviewSubmitted = "reviews.review_submitted.v1"
	TypeReviewHidden    = "reviews.review_hidden.v1"
)

var (
	ErrNotFound      = errors.New("review not found")
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	ErrInvalidAuthor = errors.New("author is required")
)

type Review struct {
	events.Buffer

	ID           uuid.UUID
	RestaurantID uuid.UUID
	Author       string
	Rating       int
	Comment      string
	Hidden       bool
	CreatedAt    time.Time
}

func (*Review) AggregateType() string { return AggregateReview }

func Submit(restaurantID uuid.UUID, author string, rating int, comment string, now time.Time) (*Review, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRating, rating)
	}
	author = strings.TrimSpace(author)
	if author == "" {
		return nil, ErrInvalidAuthor
	}
	r := &Review{
		ID:           uuid.New(),
		RestaurantID: restaurantID,
		Author:       author,
		Rating:       rating,
		Comment:      strings.TrimSpace(comment),
		CreatedAt:    now,
	}
	r.AddDomainEvent(&ReviewSubmitted{
		Base:         events.NewBase(r.ID.String()),
		ReviewID:     r.ID,
		RestaurantID: restaurantID,
		Rating:       rating,
	})
	return r, nil
}

func (r *Review) Hide() {
	if r.Hidden {
		return
	}
	r.Hidden = true
	r.AddDomainEvent(&ReviewHidden{
		Base:         events.NewBase(r.ID.String()),
		ReviewID:     r.ID,
		RestaurantID: r.RestaurantID,
	})
}

type ReviewSubmitted struct {
	events.Base
	ReviewID     uuid.UUID `json:"review_id"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
	Rating       int       `json:"rating"`
}

type ReviewHidden struct {
	events.Base
	ReviewID     uuid.UUID `json:"review_id"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
}

func (ReviewSubmitted) EventType() string          { return TypeReviewSubmitted }
func (ReviewHidden) EventType() string             { return TypeReviewHidden }
func (e ReviewSubmitted) RestaurantKey() uuid.UUID { return e.RestaurantID }
func (e ReviewHidden) RestaurantKey() uuid.UUID    { return e.RestaurantID }

func EventTypes() []string {
	return []string{TypeReviewSubmitted, TypeReviewHidden}
}

func RegisterEvents(r *events.Registry) error {
	return errors.Join(
		events.Register[ReviewSubmitted](r),
		events.Register[ReviewHidden](r),
	)
}

type Store interface {
	SaveReview(ctx context.Context, tx pgx.Tx, r *Review) error
	GetReview(ctx context.Context, q db.Querier, id uuid.UUID) (*Review, error)
	// ListVisibleReviews returns non-hidden reviews, newest first.
	ListVisibleReviews(ctx context.Context, q db.Querier, restaurantID uuid.UUID) ([]Review, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) SaveReview(ctx context.Context, tx pgx.Tx, rev *Review) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reviews (id, restaurant_id, author, rating, comment, hidden, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET hidden = EXCLUDED.hidden
	`, rev.ID, rev.RestaurantID, rev.Author, rev.Rating, rev.Comment, rev.Hidden, rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("save review: %w", err)
	}
	return nil
}

func (r *Repository) GetReview(ctx context.Context, q db.Querier, id uuid.UUID) (*Review, error) {
	rev := &Review{}
	err := q.QueryRow(ctx, `
		SELECT id, restaurant_id, author, rating, comment, hidden, created_at
		FROM reviews WHERE id = $1
	`, id).Scan(&rev.ID, &rev.RestaurantID, &rev.Author, &rev.Rating, &rev.Comment, &rev.Hidden, &rev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rev, nil
}

func (r *Repository) ListVisibleReviews(ctx context.Context, q db.Querier, restaurantID uuid.UUID) ([]Review, error) {
	rows, err := q.Query(ctx, `
		SELECT id, restaurant_id, author, rating, comment, hidden, created_at
		FROM reviews
		WHERE restaurant_id = $1 AND NOT hidden
		ORDER BY created_at DESC
	`, restaurantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Review
	for rows.Next() {
		var rev Review
		if err := rows.Scan(&rev.ID, &rev.RestaurantID, &rev.Author, &rev.Rating, &rev.Comment, &rev.Hidden, &rev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

var _ Store = (*Repository)(nil)
