package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/outbox"
	"github.com/shopspring/decimal"
)

type RestaurantInput struct {
	Name    string
	Cuisine string
	City    string
}

type ItemInput struct {
	Name        string
	Description string
	Price       decimal.Decimal
	Available   bool
}

// Service runs catalog commands through the unit of work so each state
// change commits together with its outbox rows.
type Service struct {
	uow   *outbox.UnitOfWork
	store Store
	now   func() time.Time
}

func NewService(uow *outbox.UnitOfWork, store Store) *Service {
	return &Service{uow: uow, store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) RegisterRestaurant(ctx context.Context, in RestaurantInput) (*Restaurant, error) {
	rest, err := RegisterRestaurant(in.Name, in.Cuisine, in.City, s.now())
	if err != nil {
		return nil, err
	}
	err = s.uow.Do(ctx, func(ctx context.Context, tx pgx.Tx, track outbox.Track) error {
		if err := s.store.SaveRestaurant(ctx, tx, rest); err != nil {
			return err
		}
		track(rest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rest, nil
}

func (s *Service) UpdateRestaurant(ctx context.Context, id uuid.UUID, in RestaurantInput) (*Restaurant, error) {
	return s.withRestaurant(ctx, id, func(r *Restaurant) error {
		return r.Update(in.Name, in.Cuisine, in.City, s.now())
	})
}

func (s *Service) DeactivateRestaurant(ctx context.Context, id uuid.UUID) (*Restaurant, error) {
	return s.withRestaurant(ctx, id, func(r *Restaurant) error {
		r.Deactivate(s.now())
		return nil
	})
}

func (s *Service) CreateMenu(ctx context.Context, restaurantID uuid.UUID, name string) (*Menu, error) {
	var menu *Menu
	err := s.uow.Do(ctx, func(ctx context.Context, tx pgx.Tx, track outbox.Track) error {
		rest, err := s.store.GetRestaurantForUpdate(ctx, tx, restaurantID)
		if err != nil {
			return err
		}
		menu, err = NewMenu(rest, name, s.now())
		if err != nil {
			return err
		}
		if err := s.store.SaveMenu(ctx, tx, menu); err != nil {
			return err
		}
		track(menu)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return menu, nil
}

func (s *Service) EnableMenu(ctx context.Context, menuID uuid.UUID) (*Menu, error) {
	return s.withMenu(ctx, menuID, func(m *Menu) error {
		m.Enable(s.now())
		return nil
	})
}

func (s *Service) DisableMenu(ctx context.Context, menuID uuid.UUID) (*Menu, error) {
	return s.withMenu(ctx, menuID, func(m *Menu) error {
		m.Disable(s.now())
		return nil
	})
}

func (s *Service) AddItem(ctx context.Context, menuID uuid.UUID, in ItemInput) (MenuItem, error) {
	var item MenuItem
	_, err := s.withMenu(ctx, menuID, func(m *Menu) error {
		var err error
		item, err = m.AddItem(in.Name, in.Description, in.Price, s.now())
		return err
	})
	return item, err
}

func (s *Service) UpdateItem(ctx context.Context, menuID, itemID uuid.UUID, in ItemInput) (MenuItem, error) {
	var item MenuItem
	_, err := s.withMenu(ctx, menuID, func(m *Menu) error {
		var err error
		item, err = m.UpdateItem(itemID, in.Name, in.Description, in.Price, in.Available, s.now())
		return err
	})
	return item, err
}

func (s *Service) RemoveItem(ctx context.Context, menuID, itemID uuid.UUID) error {
	_, err := s.withMenu(ctx, menuID, func(m *Menu) error {
		return m.RemoveItem(itemID, s.now())
	})
	return err
}

func (s *Service) withRestaurant(ctx context.Context, id uuid.UUID, apply func(*Restaurant) error) (*Restaurant, error) {
	var rest *Restaurant
	err := s.uow.Do(ctx, func(ctx context.Context, tx pgx.Tx, track outbox.Track) error {
		var err error
		rest, err = s.store.GetRestaurantForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := apply(rest); err != nil {
			return err
		}
		if err := s.store.SaveRestaurant(ctx, tx, rest); err != nil {
			return err
		}
		track(rest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rest, nil
}

func (s *Service) withMenu(ctx context.Context, id uuid.UUID, apply func(*Menu) error) (*Menu, error) {
	var menu *Menu
	err := s.uow.Do(ctx, func(ctx context.Context, tx pgx.Tx, track outbox.Track) error {
		var err error
		menu, err = s.store.GetMenuForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := apply(menu); err != nil {
			return err
		}
		if err := s.store.SaveMenu(ctx, tx, menu); err != nil {
			return err
		}
		track(menu)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return menu, nil
}
