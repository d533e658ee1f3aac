package catalog

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the catalog read/write surface the API handlers consume.
type Service interface {
	List(ctx context.Context, q ListQuery) (Page, error)
	Search(ctx context.Context, term string, limit int) ([]Product, error)
	Get(ctx context.Context, id string) (Product, error)
	Create(ctx context.Context, req CreateRequest) (Product, error)
	Update(ctx context.Context, id string, req UpdateRequest) (Product, error)
	Delete(ctx context.Context, id string) error
}

// Memory keeps products in process. Listing is newest first with a
// (created_at, id) keyset cursor.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]Product
	now  func() time.Time
}

var _ Service = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]Product), now: time.Now}
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

func cloneProduct(p Product) Product {
	if p.Images != nil {
		p.Images = append([]string(nil), p.Images...)
	}
	return p
}

func (m *Memory) sorted(keep func(Product) bool) []Product {
	m.mu.RLock()
	items := make([]Product, 0, len(m.byID))
	for _, p := range m.byID {
		if keep(p) {
			items = append(items, cloneProduct(p))
		}
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items
}

func (m *Memory) List(ctx context.Context, q ListQuery) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	var (
		afterTS time.Time
		afterID string
	)
	if q.Cursor != "" {
		var err error
		if afterTS, afterID, err = parseCursor(q.Cursor); err != nil {
			return Page{}, err
		}
	}
	category := strings.ToLower(strings.TrimSpace(q.Category))

	items := m.sorted(func(p Product) bool {
		if category != "" && strings.ToLower(p.Category) != category {
			return false
		}
		if afterID == "" {
			return true
		}
		return p.CreatedAt.Before(afterTS) || (p.CreatedAt.Equal(afterTS) && p.ID < afterID)
	})

	limit := clampLimit(q.Limit)
	page := Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := items[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

// Search matches term case-insensitively against name, category and
// description. Name matches rank first.
func (m *Memory) Search(ctx context.Context, term string, limit int) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return []Product{}, nil
	}
	items := m.sorted(func(p Product) bool {
		return strings.Contains(strings.ToLower(p.Name), term) ||
			strings.Contains(strings.ToLower(p.Category), term) ||
			strings.Contains(strings.ToLower(p.Description), term)
	})
	sort.SliceStable(items, func(i, j int) bool {
		return strings.Contains(strings.ToLower(items[i].Name), term) &&
			!strings.Contains(strings.ToLower(items[j].Name), term)
	})
	if limit = clampLimit(limit); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *Memory) Get(ctx context.Context, id string) (Product, error) {
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return cloneProduct(p), nil
}

func (m *Memory) Create(ctx context.Context, req CreateRequest) (Product, error) {
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}
	now := m.now().UTC()
	p := Product{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Category:    strings.TrimSpace(req.Category),
		Price:       req.Price,
		Currency:    normalizeCurrency(req.Currency),
		Images:      append([]string(nil), req.Images...),
		Stock:       req.Stock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := validate(p); err != nil {
		return Product{}, err
	}

	m.mu.Lock()
	m.byID[p.ID] = p
	m.mu.Unlock()
	return cloneProduct(p), nil
}

func (m *Memory) Update(ctx context.Context, id string, req UpdateRequest) (Product, error) {
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}
	if req.empty() {
		return Product{}, invalid("empty update payload")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Category != nil {
		p.Category = strings.TrimSpace(*req.Category)
	}
	if req.Price != nil {
		p.Price = *req.Price
	}
	if req.Currency != nil {
		p.Currency = normalizeCurrency(*req.Currency)
	}
	if req.Images != nil {
		p.Images = append([]string(nil), (*req.Images)...)
	}
	if req.Stock != nil {
		p.Stock = *req.Stock
	}
	if err := validate(p); err != nil {
		return Product{}, err
	}
	p.UpdatedAt = m.now().UTC()
	m.byID[id] = p
	return cloneProduct(p), nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func parseCursor(cursor string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(cursor, ":")
	if !ok || id == "" {
		return time.Time{}, "", invalid("invalid cursor")
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", invalid("invalid cursor")
	}
	return time.Unix(0, n).UTC(), id, nil
}

func encodeCursor(ts time.Time, id string) string {
	return strconv.FormatInt(ts.UTC().UnixNano(), 10) + ":" + id
}
