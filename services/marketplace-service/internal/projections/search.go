package projections

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/redis/go-redis/v9"
)

// Redis layout, all under one prefix:
//
//	{p}:doc:{id}     hash with the indexed fields
//	{p}:terms:{id}   set of tokens the restaurant is indexed under
//	{p}:term:{token} set of restaurant ids
//	{p}:rebuilt      sorted set of restaurant ids scored by rebuild time (ms)
type SearchIndex struct {
	rdb    redis.UniversalClient
	source CatalogReader
	pool   db.Querier
	prefix string
	now    func() time.Time
}

type SearchHit struct {
	RestaurantID uuid.UUID `json:"restaurant_id"`
	Name         string    `json:"name"`
	Cuisine      string    `json:"cuisine,omitempty"`
	City         string    `json:"city,omitempty"`
	ItemCount    int       `json:"item_count"`
}

// NewSearchIndex builds the index. pool is used for reconciliation reads
// that run outside a transaction.
func NewSearchIndex(rdb redis.UniversalClient, source CatalogReader, pool db.Querier, prefix string) *SearchIndex {
	if prefix == "" {
		prefix = "search"
	}
	return &SearchIndex{rdb: rdb, source: source, pool: pool, prefix: prefix, now: time.Now}
}

func (*SearchIndex) Name() string { return "search_index" }

func (*SearchIndex) EventTypes() []string { return catalog.EventTypes() }

func (*SearchIndex) Keys(evt events.Event) []uuid.UUID { return restaurantKeys(evt) }

func (s *SearchIndex) Rebuild(ctx context.Context, tx pgx.Tx, key uuid.UUID) error {
	doc, err := loadMenuDocument(ctx, s.source, tx, key)
	if err != nil {
		return err
	}
	return s.write(ctx, doc)
}

func (s *SearchIndex) write(ctx context.Context, doc MenuDocument) error {
	id := doc.RestaurantID.String()
	old, err := s.rdb.SMembers(ctx, s.termsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("read indexed terms: %w", err)
	}
	terms := documentTerms(doc)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range old {
			pipe.SRem(ctx, s.termKey(t), id)
		}
		pipe.Del(ctx, s.termsKey(id), s.docKey(id))
		pipe.HSet(ctx, s.docKey(id),
			"name", doc.Name,
			"cuisine", doc.Cuisine,
			"city", doc.City,
			"item_count", doc.ItemCount,
		)
		if len(terms) > 0 {
			members := make([]any, len(terms))
			for i, t := range terms {
				members[i] = t
				pipe.SAdd(ctx, s.termKey(t), id)
			}
			pipe.SAdd(ctx, s.termsKey(id), members...)
		}
		pipe.ZAdd(ctx, s.rebuiltKey(), redis.Z{Score: float64(s.now().UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("write search document: %w", err)
	}
	return nil
}

func (s *SearchIndex) Delete(ctx context.Context, _ pgx.Tx, key uuid.UUID) error {
	id := key.String()
	old, err := s.rdb.SMembers(ctx, s.termsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("read indexed terms: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range old {
			pipe.SRem(ctx, s.termKey(t), id)
		}
		pipe.Del(ctx, s.termsKey(id), s.docKey(id))
		pipe.ZRem(ctx, s.rebuiltKey(), id)
		return nil
	})
	return err
}

// Search returns restaurants matching every token of query.
func (s *SearchIndex) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return []SearchHit{}, nil
	}
	keys := make([]string, len(terms))
	for i, t := range terms {
		keys[i] = s.termKey(t)
	}
	ids, err := s.rdb.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.docKey(id))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		rid, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		count, _ := strconv.Atoi(fields["item_count"])
		hits = append(hits, SearchHit{
			RestaurantID: rid,
			Name:         fields["name"],
			Cuisine:      fields["cuisine"],
			City:         fields["city"],
			ItemCount:    count,
		})
	}
	return hits, nil
}

// missingPageSize bounds each source page scanned while looking for gaps.
const missingPageSize = 200

func (s *SearchIndex) Missing(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var (
		missing []uuid.UUID
		after   uuid.UUID
	)
	for len(missing) < limit {
		page, err := s.source.QualifyingRestaurantIDs(ctx, s.pool, after, missingPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		cmds := make([]*redis.FloatCmd, len(page))
		if _, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range page {
				cmds[i] = pipe.ZScore(ctx, s.rebuiltKey(), id.String())
			}
			return nil
		}); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		for i, id := range page {
			if errors.Is(cmds[i].Err(), redis.Nil) {
				missing = append(missing, id)
				if len(missing) == limit {
					break
				}
			}
		}
		after = page[len(page)-1]
		if len(page) < missingPageSize {
			break
		}
	}
	return missing, nil
}

func (s *SearchIndex) Orphans(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var orphans []uuid.UUID
	for start := int64(0); len(orphans) < limit; start += missingPageSize {
		members, err := s.rdb.ZRange(ctx, s.rebuiltKey(), start, start+missingPageSize-1).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			id, err := uuid.Parse(m)
			if err != nil {
				continue
			}
			_, err = loadMenuDocument(ctx, s.source, s.pool, id)
			if errors.Is(err, ErrNotQualified) {
				orphans = append(orphans, id)
				if len(orphans) == limit {
					break
				}
			} else if err != nil {
				return nil, err
			}
		}
		if len(members) < missingPageSize {
			break
		}
	}
	return orphans, nil
}

func (s *SearchIndex) Stalest(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := s.rdb.ZRange(ctx, s.rebuiltKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		if id, err := uuid.Parse(m); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *SearchIndex) docKey(id string) string    { return s.prefix + ":doc:" + id }
func (s *SearchIndex) termsKey(id string) string  { return s.prefix + ":terms:" + id }
func (s *SearchIndex) termKey(term string) string { return s.prefix + ":term:" + term }
func (s *SearchIndex) rebuiltKey() string         { return s.prefix + ":rebuilt" }

func documentTerms(doc MenuDocument) []string {
	parts := []string{doc.Name, doc.Cuisine, doc.City}
	for _, m := range doc.Menus {
		for _, it := range m.Items {
			if it.Available {
				parts = append(parts, it.Name)
			}
		}
	}
	return tokenize(strings.Join(parts, " "))
}

// tokenize lowercases and splits on anything but letters and digits,
// dropping one-rune tokens and duplicates.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

var _ Reconcilable = (*SearchIndex)(nil)
