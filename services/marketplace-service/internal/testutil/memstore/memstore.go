// Package memstore is an in-memory implementation of every store the
// marketplace service uses. Writes go through a memdb transaction so they
// are undone on rollback, and FetchDue honours row locks the way SKIP
// LOCKED does.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/inbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/outbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/projections"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reviews"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/testutil/memdb"
)

type inboxKey struct {
	handler string
	eventID uuid.UUID
}

type menuView struct {
	doc       projections.MenuDocument
	version   int64
	rebuiltAt time.Time
}

type Store struct {
	mu sync.Mutex

	outbox      map[uuid.UUID]outbox.Message
	seq         int64
	inbox       map[inboxKey]time.Time
	restaurants map[uuid.UUID]catalog.Restaurant
	menus       map[uuid.UUID]catalog.Menu
	reviews     map[uuid.UUID]reviews.Review
	menuViews   map[uuid.UUID]menuView
	summaries   map[uuid.UUID]projections.ReviewSummary

	failures map[string]error
}

func New() *Store {
	return &Store{
		outbox:      map[uuid.UUID]outbox.Message{},
		inbox:       map[inboxKey]time.Time{},
		restaurants: map[uuid.UUID]catalog.Restaurant{},
		menus:       map[uuid.UUID]catalog.Menu{},
		reviews:     map[uuid.UUID]reviews.Review{},
		menuViews:   map[uuid.UUID]menuView{},
		summaries:   map[uuid.UUID]projections.ReviewSummary{},
		failures:    map[string]error{},
	}
}

// FailOn makes every later call of the named method return err.
// A nil err clears the failure.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Store) failure(method string) error {
	return s.failures[method]
}

// write runs fn under the lock and registers undo on tx.
func write[K comparable, V any](s *Store, tx pgx.Tx, m map[K]V, key K, fn func(prev V, existed bool) (V, bool)) error {
	t, err := memdb.From(tx)
	if err != nil {
		return err
	}
	prev, existed := m[key]
	next, keep := fn(prev, existed)
	if keep {
		m[key] = next
	} else {
		delete(m, key)
	}
	t.OnRollback(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
	return nil
}

// Outbox

func (s *Store) Insert(_ context.Context, tx pgx.Tx, msgs ...outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Insert"); err != nil {
		return err
	}
	for _, msg := range msgs {
		if _, dup := s.outbox[msg.ID]; dup {
			return fmt.Errorf("insert outbox message %s: duplicate key", msg.ID)
		}
	}
	for _, msg := range msgs {
		msg.Content = slices.Clone(msg.Content)
		msg.Attempt = 0
		s.seq++
		msg.Seq = s.seq
		if err := write(s, tx, s.outbox, msg.ID, func(outbox.Message, bool) (outbox.Message, bool) {
			return msg, true
		}); err != nil {
			return err
		}
	}
	return nil
}

// oldestFirst matches the ORDER BY occurred_on_utc, seq of the SQL store.
func oldestFirst(a, b outbox.Message) int {
	return cmp.Or(a.OccurredAt.Compare(b.OccurredAt), cmp.Compare(a.Seq, b.Seq))
}

func (s *Store) FetchDue(_ context.Context, tx pgx.Tx, now time.Time, limit int) ([]outbox.Message, error) {
	t, err := memdb.From(tx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("FetchDue"); err != nil {
		return nil, err
	}
	due := make([]outbox.Message, 0, len(s.outbox))
	for _, m := range s.outbox {
		if m.Due(now) {
			due = append(due, m)
		}
	}
	slices.SortFunc(due, oldestFirst)
	out := make([]outbox.Message, 0, limit)
	for _, m := range due {
		if len(out) == limit {
			break
		}
		if t.TryLock("outbox:" + m.ID.String()) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) MarkProcessed(_ context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("MarkProcessed"); err != nil {
		return err
	}
	if _, ok := s.outbox[id]; !ok {
		return outbox.ErrMessageNotFound
	}
	return write(s, tx, s.outbox, id, func(m outbox.Message, _ bool) (outbox.Message, bool) {
		m.ProcessedAt = &at
		m.NextAttemptAt = nil
		m.Error = ""
		return m, true
	})
}

func (s *Store) MarkFailed(_ context.Context, tx pgx.Tx, f outbox.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("MarkFailed"); err != nil {
		return err
	}
	if _, ok := s.outbox[f.ID]; !ok {
		return outbox.ErrMessageNotFound
	}
	return write(s, tx, s.outbox, f.ID, func(m outbox.Message, _ bool) (outbox.Message, bool) {
		next := f.NextAttemptAt
		m.Attempt = f.Attempt
		m.NextAttemptAt = &next
		m.Error = f.Error
		m.DeadLetteredAt = f.DeadLetteredAt
		return m, true
	})
}

func (s *Store) Summary(context.Context) (outbox.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum outbox.Summary
	for _, m := range s.outbox {
		switch m.Status() {
		case outbox.StatusPending:
			sum.Pending++
		case outbox.StatusRetrying:
			sum.Retrying++
		case outbox.StatusProcessed:
			sum.Processed++
		case outbox.StatusDeadLettered:
			sum.DeadLettered++
		}
		if m.ProcessedAt == nil && m.DeadLetteredAt == nil {
			if sum.OldestPendingAt == nil || m.OccurredAt.Before(*sum.OldestPendingAt) {
				at := m.OccurredAt
				sum.OldestPendingAt = &at
			}
		}
	}
	return sum, nil
}

func (s *Store) List(_ context.Context, f outbox.Filter) ([]outbox.Message, error) {
	switch f.Status {
	case "", outbox.StatusPending, outbox.StatusRetrying, outbox.StatusProcessed, outbox.StatusDeadLettered:
	default:
		return nil, fmt.Errorf("unknown status %q", f.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Message
	for _, m := range s.outbox {
		if f.Status != "" && m.Status() != f.Status {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b outbox.Message) int { return oldestFirst(b, a) })
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return outbox.Message{}, outbox.ErrMessageNotFound
	}
	return m, nil
}

func (s *Store) Requeue(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok || m.ProcessedAt != nil {
		return outbox.ErrMessageNotFound
	}
	m.Attempt = 0
	m.NextAttemptAt = nil
	m.DeadLetteredAt = nil
	s.outbox[id] = m
	return nil
}

// Messages returns a snapshot of every outbox row, oldest first.
func (s *Store) Messages() []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Message, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, m)
	}
	slices.SortFunc(out, oldestFirst)
	return out
}

// Inbox

func (s *Store) Record(_ context.Context, tx pgx.Tx, handler string, eventID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Record"); err != nil {
		return false, err
	}
	key := inboxKey{handler: handler, eventID: eventID}
	if _, seen := s.inbox[key]; seen {
		return false, nil
	}
	err := write(s, tx, s.inbox, key, func(time.Time, bool) (time.Time, bool) { return at, true })
	return err == nil, err
}

// Receipts counts inbox rows for handler.
func (s *Store) Receipts(handler string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.inbox {
		if k.handler == handler {
			n++
		}
	}
	return n
}

// Catalog

func (s *Store) SaveRestaurant(_ context.Context, tx pgx.Tx, r *catalog.Restaurant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SaveRestaurant"); err != nil {
		return err
	}
	row := *r
	row.Buffer = events.Buffer{}
	return write(s, tx, s.restaurants, r.ID, func(catalog.Restaurant, bool) (catalog.Restaurant, bool) {
		return row, true
	})
}

func (s *Store) GetRestaurant(_ context.Context, _ db.Querier, id uuid.UUID) (*catalog.Restaurant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetRestaurant"); err != nil {
		return nil, err
	}
	r, ok := s.restaurants[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &r, nil
}

func (s *Store) GetRestaurantForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*catalog.Restaurant, error) {
	if err := lockRow(ctx, tx, "restaurant:"+id.String()); err != nil {
		return nil, err
	}
	return s.GetRestaurant(ctx, tx, id)
}

func (s *Store) SaveMenu(_ context.Context, tx pgx.Tx, m *catalog.Menu) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SaveMenu"); err != nil {
		return err
	}
	row := *m
	row.Buffer = events.Buffer{}
	row.Items = slices.Clone(m.Items)
	return write(s, tx, s.menus, m.ID, func(catalog.Menu, bool) (catalog.Menu, bool) {
		return row, true
	})
}

func (s *Store) GetMenu(_ context.Context, _ db.Querier, id uuid.UUID) (*catalog.Menu, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.menus[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	m.Items = slices.Clone(m.Items)
	return &m, nil
}

func (s *Store) GetMenuForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*catalog.Menu, error) {
	if err := lockRow(ctx, tx, "menu:"+id.String()); err != nil {
		return nil, err
	}
	return s.GetMenu(ctx, tx, id)
}

func lockRow(ctx context.Context, tx pgx.Tx, key string) error {
	t, err := memdb.From(tx)
	if err != nil {
		return err
	}
	return t.Lock(ctx, key)
}

func (s *Store) ListMenus(_ context.Context, _ db.Querier, restaurantID uuid.UUID) ([]*catalog.Menu, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListMenus"); err != nil {
		return nil, err
	}
	var out []*catalog.Menu
	for _, m := range s.menus {
		if m.RestaurantID == restaurantID {
			m.Items = slices.Clone(m.Items)
			out = append(out, &m)
		}
	}
	slices.SortFunc(out, func(a, b *catalog.Menu) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return out, nil
}

func (s *Store) QualifyingRestaurantIDs(_ context.Context, _ db.Querier, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.qualifyingLocked()
	out := make([]uuid.UUID, 0, limit)
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		if cmp.Compare(id.String(), after.String()) > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) qualifyingLocked() []uuid.UUID {
	var ids []uuid.UUID
	for id := range s.restaurants {
		if s.menuQualifiesLocked(id) {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func (s *Store) menuQualifiesLocked(restaurantID uuid.UUID) bool {
	r, ok := s.restaurants[restaurantID]
	if !ok || !r.Active {
		return false
	}
	for _, m := range s.menus {
		if m.RestaurantID == restaurantID && m.Enabled {
			return true
		}
	}
	return false
}

// Reviews

func (s *Store) SaveReview(_ context.Context, tx pgx.Tx, r *reviews.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SaveReview"); err != nil {
		return err
	}
	row := *r
	row.Buffer = events.Buffer{}
	return write(s, tx, s.reviews, r.ID, func(reviews.Review, bool) (reviews.Review, bool) {
		return row, true
	})
}

func (s *Store) GetReview(_ context.Context, _ db.Querier, id uuid.UUID) (*reviews.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[id]
	if !ok {
		return nil, reviews.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListVisibleReviews(_ context.Context, _ db.Querier, restaurantID uuid.UUID) ([]reviews.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListVisibleReviews"); err != nil {
		return nil, err
	}
	var out []reviews.Review
	for _, r := range s.reviews {
		if r.RestaurantID == restaurantID && !r.Hidden {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b reviews.Review) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *Store) hasVisibleReviewsLocked(restaurantID uuid.UUID) bool {
	for _, r := range s.reviews {
		if r.RestaurantID == restaurantID && !r.Hidden {
			return true
		}
	}
	return false
}

// Read models

func (s *Store) UpsertMenuView(_ context.Context, tx pgx.Tx, restaurantID uuid.UUID, doc projections.MenuDocument, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertMenuView"); err != nil {
		return err
	}
	return write(s, tx, s.menuViews, restaurantID, func(prev menuView, _ bool) (menuView, bool) {
		return menuView{doc: doc, version: prev.version + 1, rebuiltAt: at}, true
	})
}

func (s *Store) DeleteMenuView(_ context.Context, tx pgx.Tx, restaurantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("DeleteMenuView"); err != nil {
		return err
	}
	if _, ok := s.menuViews[restaurantID]; !ok {
		return nil
	}
	return write(s, tx, s.menuViews, restaurantID, func(menuView, bool) (menuView, bool) {
		return menuView{}, false
	})
}

func (s *Store) GetMenuView(_ context.Context, _ db.Querier, restaurantID uuid.UUID) (projections.MenuView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.menuViews[restaurantID]
	if !ok {
		return projections.MenuView{}, projections.ErrViewNotFound
	}
	return projections.MenuView{RestaurantID: restaurantID, Document: v.doc, Version: v.version, RebuiltAt: v.rebuiltAt}, nil
}

func (s *Store) MissingMenuViews(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("MissingMenuViews"); err != nil {
		return nil, err
	}
	var out []uuid.UUID
	for _, id := range s.qualifyingLocked() {
		if _, ok := s.menuViews[id]; !ok {
			out = append(out, id)
		}
	}
	return truncate(out, limit), nil
}

func (s *Store) OrphanMenuViews(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("OrphanMenuViews"); err != nil {
		return nil, err
	}
	var out []uuid.UUID
	for id := range s.menuViews {
		if !s.menuQualifiesLocked(id) {
			out = append(out, id)
		}
	}
	s.byMenuViewAgeLocked(out)
	return truncate(out, limit), nil
}

func (s *Store) StalestMenuViews(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.menuViews))
	for id := range s.menuViews {
		out = append(out, id)
	}
	s.byMenuViewAgeLocked(out)
	return truncate(out, limit), nil
}

func (s *Store) byMenuViewAgeLocked(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return cmp.Or(s.menuViews[a].rebuiltAt.Compare(s.menuViews[b].rebuiltAt), cmp.Compare(a.String(), b.String()))
	})
}

func (s *Store) UpsertReviewSummary(_ context.Context, tx pgx.Tx, sum projections.ReviewSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertReviewSummary"); err != nil {
		return err
	}
	return write(s, tx, s.summaries, sum.RestaurantID, func(projections.ReviewSummary, bool) (projections.ReviewSummary, bool) {
		return sum, true
	})
}

func (s *Store) DeleteReviewSummary(_ context.Context, tx pgx.Tx, restaurantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.summaries[restaurantID]; !ok {
		return nil
	}
	return write(s, tx, s.summaries, restaurantID, func(projections.ReviewSummary, bool) (projections.ReviewSummary, bool) {
		return projections.ReviewSummary{}, false
	})
}

func (s *Store) GetReviewSummary(_ context.Context, _ db.Querier, restaurantID uuid.UUID) (projections.ReviewSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[restaurantID]
	if !ok {
		return projections.ReviewSummary{}, projections.ErrViewNotFound
	}
	return sum, nil
}

func (s *Store) MissingReviewSummaries(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, r := range s.reviews {
		if r.Hidden || seen[r.RestaurantID] {
			continue
		}
		seen[r.RestaurantID] = true
		if _, ok := s.summaries[r.RestaurantID]; !ok {
			out = append(out, r.RestaurantID)
		}
	}
	sortIDs(out)
	return truncate(out, limit), nil
}

func (s *Store) OrphanReviewSummaries(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for id := range s.summaries {
		if !s.hasVisibleReviewsLocked(id) {
			out = append(out, id)
		}
	}
	s.bySummaryAgeLocked(out)
	return truncate(out, limit), nil
}

func (s *Store) StalestReviewSummaries(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.summaries))
	for id := range s.summaries {
		out = append(out, id)
	}
	s.bySummaryAgeLocked(out)
	return truncate(out, limit), nil
}

func (s *Store) bySummaryAgeLocked(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return cmp.Or(s.summaries[a].RebuiltAt.Compare(s.summaries[b].RebuiltAt), cmp.Compare(a.String(), b.String()))
	})
}

func sortIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return cmp.Compare(a.String(), b.String()) })
}

func truncate(ids []uuid.UUID, limit int) []uuid.UUID {
	if limit >= 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}

var (
	_ outbox.Store              = (*Store)(nil)
	_ outbox.Inspector          = (*Store)(nil)
	_ inbox.Store               = (*Store)(nil)
	_ catalog.Store             = (*Store)(nil)
	_ reviews.Store             = (*Store)(nil)
	_ projections.MenuViewStore = (*Store)(nil)
	_ projections.SummaryStore  = (*Store)(nil)
)
