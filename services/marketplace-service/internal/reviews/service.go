package reviews

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/outbox"
)

var ErrRestaurantUnavailable = errors.New("restaurant is not accepting reviews")

// RestaurantReader is satisfied by catalog.Store.
type RestaurantReader interface {
	GetRestaurant(ctx context.Context, q db.Querier, id uuid.UUID) (*catalog.Restaurant, error)
}

type SubmitInput struct {
	Author  string
	Rating  int
	Comment string
}

type Service struct {
	uow         *outbox.UnitOfWork
	store       Store
	restaurants RestaurantReader
	now         func() time.Time
}

func NewService(uow *outbox.UnitOfWork, store Store, restaurants RestaurantReader) *Service {
	return &Service{
		uow:         uow,
		store:       store,
		restaurants: restaurants,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Submit(ctx context.Context, restaurantID uuid.UUID, in SubmitInput) (*Review, error) {
	var rev *Review
	err := s.uow.Do(ctx, func(ctx context.Context, tx pgx.Tx, track outbox.Track) error {
		rest, err := s.restaurants.GetRestaurant(ctx, tx, restaurantID)
		if errors.Is(err, catalog.ErrNotFound) {
			return ErrRestaurantUnavailable
		}
		if err != nil {
			return err
		}
		if !rest.Active {
			return ErrRestaurantUnavailable
		}
		rev, err = Submit(restaurantID, in.Author, in.Rating, in.Comment, s.now())
		if err != nil {
			return err
		}
		if err := s.store.SaveReview(ctx, tx, rev); err != nil {
			return err
		}
		track(rev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

func (s *Service) Hide(ctx context.Context, id uuid.UUID) (*Review, error) {
	var rev *Review
	err := s.uow.Do(ctx, func(ctx context.Context, tx pgx.Tx, track outbox.Track) error {
		var err error
		rev, err = s.store.GetReview(ctx, tx, id)
		if err != nil {
			return err
		}
		rev.Hide()
		if err := s.store.SaveReview(ctx, tx, rev); err != nil {
			return err
		}
		track(rev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}
