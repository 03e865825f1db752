// Package catalog holds the restaurant and menu aggregates. Each command
// buffers the domain events that drive the menu and search read models.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/shopspring/decimal"
)

const (
	AggregateRestaurant = "catalog.restaurant"
	AggregateMenu       = "catalog.menu"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidName        = errors.New("name is required")
	ErrInvalidPrice       = errors.New("price must be greater than zero")
	ErrRestaurantInactive = errors.New("restaurant is inactive")
	ErrItemNotFound       = errors.New("menu item not found")
)

type Restaurant struct {
	events.Buffer

	ID        uuid.UUID
	Name      string
	Cuisine   string
	City      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (*Restaurant) AggregateType() string { return AggregateRestaurant }

func RegisterRestaurant(name, cuisine, city string, now time.Time) (*Restaurant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	r := &Restaurant{
		ID:        uuid.New(),
		Name:      name,
		Cuisine:   strings.TrimSpace(cuisine),
		City:      strings.TrimSpace(city),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.AddDomainEvent(&RestaurantRegistered{
		Base:         events.NewBase(r.ID.String()),
		RestaurantID: r.ID,
		Name:         r.Name,
		Cuisine:      r.Cuisine,
		City:         r.City,
	})
	return r, nil
}

func (r *Restaurant) Update(name, cuisine, city string, now time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	r.Name = name
	r.Cuisine = strings.TrimSpace(cuisine)
	r.City = strings.TrimSpace(city)
	r.UpdatedAt = now
	r.AddDomainEvent(&RestaurantUpdated{
		Base:         events.NewBase(r.ID.String()),
		RestaurantID: r.ID,
		Name:         r.Name,
		Cuisine:      r.Cuisine,
		City:         r.City,
	})
	return nil
}

// Deactivate is a no-op for an inactive restaurant.
func (r *Restaurant) Deactivate(now time.Time) {
	if !r.Active {
		return
	}
	r.Active = false
	r.UpdatedAt = now
	r.AddDomainEvent(&RestaurantDeactivated{
		Base:         events.NewBase(r.ID.String()),
		RestaurantID: r.ID,
	})
}

type MenuItem struct {
	ID          uuid.UUID
	Name        string
	Description string
	Price       decimal.Decimal
	Available   bool
}

type Menu struct {
	events.Buffer

	ID           uuid.UUID
	RestaurantID uuid.UUID
	Name         string
	Enabled      bool
	Items        []MenuItem
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (*Menu) AggregateType() string { return AggregateMenu }

// NewMenu starts a disabled menu for an active restaurant.
func NewMenu(r *Restaurant, name string, now time.Time) (*Menu, error) {
	if !r.Active {
		return nil, ErrRestaurantInactive
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	m := &Menu{
		ID:           uuid.New(),
		RestaurantID: r.ID,
		Name:         name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.AddDomainEvent(&MenuCreated{
		Base:         events.NewBase(m.ID.String()),
		MenuID:       m.ID,
		RestaurantID: m.RestaurantID,
		Name:         m.Name,
	})
	return m, nil
}

func (m *Menu) Enable(now time.Time) {
	if m.Enabled {
		return
	}
	m.Enabled = true
	m.UpdatedAt = now
	m.AddDomainEvent(&MenuEnabled{Base: events.NewBase(m.ID.String()), MenuID: m.ID, RestaurantID: m.RestaurantID})
}

func (m *Menu) Disable(now time.Time) {
	if !m.Enabled {
		return
	}
	m.Enabled = false
	m.UpdatedAt = now
	m.AddDomainEvent(&MenuDisabled{Base: events.NewBase(m.ID.String()), MenuID: m.ID, RestaurantID: m.RestaurantID})
}

func (m *Menu) AddItem(name, description string, price decimal.Decimal, now time.Time) (MenuItem, error) {
	item, err := newItem(uuid.New(), name, description, price, true)
	if err != nil {
		return MenuItem{}, err
	}
	m.Items = append(m.Items, item)
	m.UpdatedAt = now
	m.AddDomainEvent(&MenuItemCreated{
		Base:         events.NewBase(m.ID.String()),
		MenuID:       m.ID,
		RestaurantID: m.RestaurantID,
		ItemID:       item.ID,
		Name:         item.Name,
		Price:        item.Price,
	})
	return item, nil
}

func (m *Menu) UpdateItem(id uuid.UUID, name, description string, price decimal.Decimal, available bool, now time.Time) (MenuItem, error) {
	i := m.itemIndex(id)
	if i < 0 {
		return MenuItem{}, ErrItemNotFound
	}
	item, err := newItem(id, name, description, price, available)
	if err != nil {
		return MenuItem{}, err
	}
	m.Items[i] = item
	m.UpdatedAt = now
	m.AddDomainEvent(&MenuItemUpdated{
		Base:         events.NewBase(m.ID.String()),
		MenuID:       m.ID,
		RestaurantID: m.RestaurantID,
		ItemID:       item.ID,
		Name:         item.Name,
		Price:        item.Price,
		Available:    item.Available,
	})
	return item, nil
}

func (m *Menu) RemoveItem(id uuid.UUID, now time.Time) error {
	i := m.itemIndex(id)
	if i < 0 {
		return ErrItemNotFound
	}
	m.Items = slices.Delete(m.Items, i, i+1)
	m.UpdatedAt = now
	m.AddDomainEvent(&MenuItemRemoved{
		Base:         events.NewBase(m.ID.String()),
		MenuID:       m.ID,
		RestaurantID: m.RestaurantID,
		ItemID:       id,
	})
	return nil
}

func (m *Menu) itemIndex(id uuid.UUID) int {
	return slices.IndexFunc(m.Items, func(it MenuItem) bool { return it.ID == id })
}

func newItem(id uuid.UUID, name, description string, price decimal.Decimal, available bool) (MenuItem, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return MenuItem{}, ErrInvalidName
	}
	if !price.IsPositive() {
		return MenuItem{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	return MenuItem{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(description),
		Price:       price.Round(2),
		Available:   available,
	}, nil
}
