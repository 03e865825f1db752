package catalog

import (
	"errors"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/shopspring/decimal"
)

const (
	TypeRestaurantRegistered  = "catalog.restaurant_registered.v1"
	TypeRestaurantUpdated     = "catalog.restaurant_updated.v1"
	TypeRestaurantDeactivated = "catalog.restaurant_deactivated.v1"
	TypeMenuCreated           = "catalog.menu_created.v1"
	TypeMenuEnabled           = "catalog.menu_enabled.v1"
	TypeMenuDisabled          = "catalog.menu_disabled.v1"
	TypeMenuItemCreated       = "catalog.menu_item_created.v1"
	TypeMenuItemUpdated       = "catalog.menu_item_updated.v1"
	TypeMenuItemRemoved       = "catalog.menu_item_removed.v1"
)

type RestaurantRegistered struct {
	events.Base
	RestaurantID uuid.UUID `json:"restaurant_id"`
	Name         string    `json:"name"`
	Cuisine      string    `json:"cuisine"`
	City         string    `json:"city"`
}

type RestaurantUpdated struct {
	events.Base
	RestaurantID uuid.UUID `json:"restaurant_id"`
	Name         string    `json:"name"`
	Cuisine      string    `json:"cuisine"`
	City         string    `json:"city"`
}

type RestaurantDeactivated struct {
	events.Base
	RestaurantID uuid.UUID `json:"restaurant_id"`
}

type MenuCreated struct {
	events.Base
	MenuID       uuid.UUID `json:"menu_id"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
	Name         string    `json:"name"`
}

type MenuEnabled struct {
	events.Base
	MenuID       uuid.UUID `json:"menu_id"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
}

type MenuDisabled struct {
	events.Base
	MenuID       uuid.UUID `json:"menu_id"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
}

type MenuItemCreated struct {
	events.Base
	MenuID       uuid.UUID       `json:"menu_id"`
	RestaurantID uuid.UUID       `json:"restaurant_id"`
	ItemID       uuid.UUID       `json:"item_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
}

type MenuItemUpdated struct {
	events.Base
	MenuID       uuid.UUID       `json:"menu_id"`
	RestaurantID uuid.UUID       `json:"restaurant_id"`
	ItemID       uuid.UUID       `json:"item_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Available    bool            `json:"available"`
}

type MenuItemRemoved struct {
	events.Base
	MenuID       uuid.UUID `json:"menu_id"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
	ItemID       uuid.UUID `json:"item_id"`
}

func (RestaurantRegistered) EventType() string  { return TypeRestaurantRegistered }
func (RestaurantUpdated) EventType() string     { return TypeRestaurantUpdated }
func (RestaurantDeactivated) EventType() string { return TypeRestaurantDeactivated }
func (MenuCreated) EventType() string           { return TypeMenuCreated }
func (MenuEnabled) EventType() string           { return TypeMenuEnabled }
func (MenuDisabled) EventType() string          { return TypeMenuDisabled }
func (MenuItemCreated) EventType() string       { return TypeMenuItemCreated }
func (MenuItemUpdated) EventType() string       { return TypeMenuItemUpdated }
func (MenuItemRemoved) EventType() string       { return TypeMenuItemRemoved }

// RestaurantKey is the restaurant every catalog read model is keyed by.
func (e RestaurantRegistered) RestaurantKey() uuid.UUID  { return e.RestaurantID }
func (e RestaurantUpdated) RestaurantKey() uuid.UUID     { return e.RestaurantID }
func (e RestaurantDeactivated) RestaurantKey() uuid.UUID { return e.RestaurantID }
func (e MenuCreated) RestaurantKey() uuid.UUID           { return e.RestaurantID }
func (e MenuEnabled) RestaurantKey() uuid.UUID           { return e.RestaurantID }
func (e MenuDisabled) RestaurantKey() uuid.UUID          { return e.RestaurantID }
func (e MenuItemCreated) RestaurantKey() uuid.UUID       { return e.RestaurantID }
func (e MenuItemUpdated) RestaurantKey() uuid.UUID       { return e.RestaurantID }
func (e MenuItemRemoved) RestaurantKey() uuid.UUID       { return e.RestaurantID }

// EventTypes lists every catalog event discriminator.
func EventTypes() []string {
	return []string{
		TypeRestaurantRegistered, TypeRestaurantUpdated, TypeRestaurantDeactivated,
		TypeMenuCreated, TypeMenuEnabled, TypeMenuDisabled,
		TypeMenuItemCreated, TypeMenuItemUpdated, TypeMenuItemRemoved,
	}
}

func RegisterEvents(r *events.Registry) error {
	return errors.Join(
		events.Register[RestaurantRegistered](r),
		events.Register[RestaurantUpdated](r),
		events.Register[RestaurantDeactivated](r),
		events.Register[MenuCreated](r),
		events.Register[MenuEnabled](r),
		events.Register[MenuDisabled](r),
		events.Register[MenuItemCreated](r),
		events.Register[MenuItemUpdated](r),
		events.Register[MenuItemRemoved](r),
	)
}
