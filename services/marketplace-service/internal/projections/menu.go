package projections

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/shopspring/decimal"
)

// CatalogReader is the source side of the catalog read models.
type CatalogReader interface {
	GetRestaurant(ctx context.Context, q db.Querier, id uuid.UUID) (*catalog.Restaurant, error)
	ListMenus(ctx context.Context, q db.Querier, restaurantID uuid.UUID) ([]*catalog.Menu, error)
	QualifyingRestaurantIDs(ctx context.Context, q db.Querier, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

type MenuItemView struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Available   bool            `json:"available"`
}

type MenuSection struct {
	ID    uuid.UUID      `json:"id"`
	Name  string         `json:"name"`
	Items []MenuItemView `json:"items"`
}

type MenuDocument struct {
	RestaurantID uuid.UUID     `json:"restaurant_id"`
	Name         string        `json:"name"`
	Cuisine      string        `json:"cuisine,omitempty"`
	City         string        `json:"city,omitempty"`
	Menus        []MenuSection `json:"menus"`
	ItemCount    int           `json:"item_count"`
}

type MenuView struct {
	RestaurantID uuid.UUID    `json:"restaurant_id"`
	Document     MenuDocument `json:"document"`
	Version      int64        `json:"version"`
	RebuiltAt    time.Time    `json:"rebuilt_at"`
}

// BuildMenuDocument derives the full menu document. Only an active
// restaurant with at least one enabled menu qualifies.
func BuildMenuDocument(r *catalog.Restaurant, menus []*catalog.Menu) (MenuDocument, error) {
	if !r.Active {
		return MenuDocument{}, fmt.Errorf("%w: restaurant %s is inactive", ErrNotQualified, r.ID)
	}
	doc := MenuDocument{
		RestaurantID: r.ID,
		Name:         r.Name,
		Cuisine:      r.Cuisine,
		City:         r.City,
		Menus:        []MenuSection{},
	}
	for _, m := range menus {
		if !m.Enabled {
			continue
		}
		section := MenuSection{ID: m.ID, Name: m.Name, Items: make([]MenuItemView, 0, len(m.Items))}
		for _, it := range m.Items {
			section.Items = append(section.Items, MenuItemView{
				ID:          it.ID,
				Name:        it.Name,
				Description: it.Description,
				Price:       it.Price,
				Available:   it.Available,
			})
		}
		doc.ItemCount += len(section.Items)
		doc.Menus = append(doc.Menus, section)
	}
	if len(doc.Menus) == 0 {
		return MenuDocument{}, fmt.Errorf("%w: no enabled menu found for restaurant %s", ErrNotQualified, r.ID)
	}
	slices.SortFunc(doc.Menus, func(a, b MenuSection) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return doc, nil
}

// loadMenuDocument reads the sources for key and builds its document.
func loadMenuDocument(ctx context.Context, src CatalogReader, q db.Querier, key uuid.UUID) (MenuDocument, error) {
	rest, err := src.GetRestaurant(ctx, q, key)
	if errors.Is(err, catalog.ErrNotFound) {
		return MenuDocument{}, fmt.Errorf("%w: restaurant %s not found", ErrNotQualified, key)
	}
	if err != nil {
		return MenuDocument{}, fmt.Errorf("load restaurant: %w", err)
	}
	menus, err := src.ListMenus(ctx, q, key)
	if err != nil {
		return MenuDocument{}, fmt.Errorf("load menus: %w", err)
	}
	return BuildMenuDocument(rest, menus)
}

type MenuViewStore interface {
	// UpsertMenuView replaces the view and bumps its version.
	UpsertMenuView(ctx context.Context, tx pgx.Tx, restaurantID uuid.UUID, doc MenuDocument, at time.Time) error
	DeleteMenuView(ctx context.Context, tx pgx.Tx, restaurantID uuid.UUID) error
	GetMenuView(ctx context.Context, q db.Querier, restaurantID uuid.UUID) (MenuView, error)
	MissingMenuViews(ctx context.Context, limit int) ([]uuid.UUID, error)
	OrphanMenuViews(ctx context.Context, limit int) ([]uuid.UUID, error)
	StalestMenuViews(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// ErrViewNotFound is returned by view lookups with no row.
var ErrViewNotFound = errors.New("read model not found")

// FullMenuView keeps one JSON menu document per qualifying restaurant.
type FullMenuView struct {
	source CatalogReader
	views  MenuViewStore
	now    func() time.Time
}

func NewFullMenuView(source CatalogReader, views MenuViewStore) *FullMenuView {
	return &FullMenuView{source: source, views: views, now: time.Now}
}

func (*FullMenuView) Name() string { return "full_menu_view" }

func (*FullMenuView) EventTypes() []string { return catalog.EventTypes() }

func (*FullMenuView) Keys(evt events.Event) []uuid.UUID { return restaurantKeys(evt) }

func (v *FullMenuView) Rebuild(ctx context.Context, tx pgx.Tx, key uuid.UUID) error {
	doc, err := loadMenuDocument(ctx, v.source, tx, key)
	if err != nil {
		return err
	}
	return v.views.UpsertMenuView(ctx, tx, key, doc, v.now().UTC())
}

func (v *FullMenuView) Delete(ctx context.Context, tx pgx.Tx, key uuid.UUID) error {
	return v.views.DeleteMenuView(ctx, tx, key)
}

func (v *FullMenuView) Missing(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return v.views.MissingMenuViews(ctx, limit)
}

func (v *FullMenuView) Orphans(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return v.views.OrphanMenuViews(ctx, limit)
}

func (v *FullMenuView) Stalest(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return v.views.StalestMenuViews(ctx, limit)
}

var _ Reconcilable = (*FullMenuView)(nil)
