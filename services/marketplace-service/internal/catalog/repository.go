package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/shopspring/decimal"
)

// Store persists catalog aggregates. Reads accept any querier so read models
// can load sources inside their own transaction or straight from the pool.
type Store interface {
	SaveRestaurant(ctx context.Context, tx pgx.Tx, r *Restaurant) error
	GetRestaurant(ctx context.Context, q db.Querier, id uuid.UUID) (*Restaurant, error)
	// GetRestaurantForUpdate loads the restaurant and holds its row lock
	// until tx ends.
	GetRestaurantForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Restaurant, error)
	SaveMenu(ctx context.Context, tx pgx.Tx, m *Menu) error
	GetMenu(ctx context.Context, q db.Querier, id uuid.UUID) (*Menu, error)
	// GetMenuForUpdate loads the menu with its items and holds the menu row
	// lock until tx ends, so concurrent item edits are serialized.
	GetMenuForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Menu, error)
	ListMenus(ctx context.Context, q db.Querier, restaurantID uuid.UUID) ([]*Menu, error)
	// QualifyingRestaurantIDs pages through active restaurants with at least
	// one enabled menu, ordered by id and starting after the given id.
	QualifyingRestaurantIDs(ctx context.Context, q db.Querier, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) SaveRestaurant(ctx context.Context, tx pgx.Tx, rest *Restaurant) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO restaurants (id, name, cuisine, city, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, cuisine = EXCLUDED.cuisine, city = EXCLUDED.city,
		    active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
	`, rest.ID, rest.Name, rest.Cuisine, rest.City, rest.Active, rest.CreatedAt, rest.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save restaurant: %w", err)
	}
	return nil
}

func (r *Repository) GetRestaurant(ctx context.Context, q db.Querier, id uuid.UUID) (*Restaurant, error) {
	return r.getRestaurant(ctx, q, id, "")
}

func (r *Repository) GetRestaurantForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Restaurant, error) {
	return r.getRestaurant(ctx, tx, id, "FOR UPDATE")
}

func (r *Repository) getRestaurant(ctx context.Context, q db.Querier, id uuid.UUID, lock string) (*Restaurant, error) {
	rest := &Restaurant{}
	err := q.QueryRow(ctx, `
		SELECT id, name, cuisine, city, active, created_at, updated_at
		FROM restaurants
		WHERE id = $1
		`+lock, id).Scan(&rest.ID, &rest.Name, &rest.Cuisine, &rest.City, &rest.Active, &rest.CreatedAt, &rest.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rest, nil
}

// SaveMenu upserts the menu row and replaces its items.
func (r *Repository) SaveMenu(ctx context.Context, tx pgx.Tx, m *Menu) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO menus (id, restaurant_id, name, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`, m.ID, m.RestaurantID, m.Name, m.Enabled, m.CreatedAt, m.UpdatedAt); err != nil {
		return fmt.Errorf("save menu: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM menu_items WHERE menu_id = $1`, m.ID); err != nil {
		return fmt.Errorf("clear menu items: %w", err)
	}
	if len(m.Items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for pos, it := range m.Items {
		batch.Queue(`
			INSERT INTO menu_items (id, menu_id, name, description, price, available, position)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		`, it.ID, m.ID, it.Name, it.Description, it.Price.StringFixed(2), it.Available, pos)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save menu items: %w", err)
	}
	return nil
}

func (r *Repository) GetMenu(ctx context.Context, q db.Querier, id uuid.UUID) (*Menu, error) {
	menus, err := r.queryMenus(ctx, q, `WHERE m.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(menus) == 0 {
		return nil, ErrNotFound
	}
	return menus[0], nil
}

// GetMenuForUpdate locks the menu row before reading, so the items read
// afterwards reflect every edit committed by earlier lock holders.
func (r *Repository) GetMenuForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Menu, error) {
	var locked uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM menus WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock menu: %w", err)
	}
	return r.GetMenu(ctx, tx, id)
}

func (r *Repository) ListMenus(ctx context.Context, q db.Querier, restaurantID uuid.UUID) ([]*Menu, error) {
	return r.queryMenus(ctx, q, `WHERE m.restaurant_id = $1`, restaurantID)
}

func (r *Repository) queryMenus(ctx context.Context, q db.Querier, where string, arg any) ([]*Menu, error) {
	rows, err := q.Query(ctx, `
		SELECT m.id, m.restaurant_id, m.name, m.enabled, m.created_at, m.updated_at,
		       i.id, i.name, i.description, i.price::text, i.available
		FROM menus m
		LEFT JOIN menu_items i ON i.menu_id = m.id
		`+where+`
		ORDER BY m.created_at, m.id, i.position
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		menus []*Menu
		byID  = map[uuid.UUID]*Menu{}
	)
	for rows.Next() {
		var (
			m                          Menu
			itemID                     *uuid.UUID
			itemName, itemDesc, priceS *string
			available                  *bool
		)
		if err := rows.Scan(&m.ID, &m.RestaurantID, &m.Name, &m.Enabled, &m.CreatedAt, &m.UpdatedAt,
			&itemID, &itemName, &itemDesc, &priceS, &available); err != nil {
			return nil, err
		}
		menu, ok := byID[m.ID]
		if !ok {
			menu = &Menu{ID: m.ID, RestaurantID: m.RestaurantID, Name: m.Name, Enabled: m.Enabled, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
			byID[m.ID] = menu
			menus = append(menus, menu)
		}
		if itemID == nil {
			continue
		}
		price, err := decimal.NewFromString(*priceS)
		if err != nil {
			return nil, fmt.Errorf("menu item %s price: %w", *itemID, err)
		}
		menu.Items = append(menu.Items, MenuItem{
			ID:          *itemID,
			Name:        *itemName,
			Description: *itemDesc,
			Price:       price,
			Available:   *available,
		})
	}
	return menus, rows.Err()
}

func (r *Repository) QualifyingRestaurantIDs(ctx context.Context, q db.Querier, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx, `
		SELECT r.id
		FROM restaurants r
		WHERE r.active
		  AND r.id > $1
		  AND EXISTS (SELECT 1 FROM menus m WHERE m.restaurant_id = r.id AND m.enabled)
		ORDER BY r.id
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

var _ Store = (*Repository)(nil)
