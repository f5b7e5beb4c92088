// Package contextcache holds a per-session, time-bounded snapshot of catalog
// and sales aggregates used to ground assistant answers.
package contextcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a snapshot stays valid.
const DefaultTTL = 5 * time.Minute

const (
	topProductsN = 3
	recentSalesN = 5
)

// ErrUnavailable wraps store failures surfaced by Products.
var ErrUnavailable = errors.New("context data unavailable")

// Product is one catalog entry with its aggregates.
type Product struct {
	ID          int64
	Name        string
	Category    string
	Brand       string
	Description string
	Price       decimal.Decimal
	Discount    decimal.Decimal // percentage
	AvgRating   float64
	RatingCount int
	Stock       int
	SaleCount   int
}

// SaleLine is a single sale as read from the store.
type SaleLine struct {
	ID          int64
	ProductID   int64
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	Total       decimal.Decimal
	SoldAt      time.Time
}

// Source is the store the cache refreshes from.
type Source interface {
	ProductStats(ctx context.Context) ([]Product, error)
	// SalesLines returns every sale, most recent first.
	SalesLines(ctx context.Context) ([]SaleLine, error)
}

// ProductSnapshot is the cached product list.
type ProductSnapshot struct {
	Products  []Product
	Timestamp time.Time
}

// TopProduct is a product ranked by cumulative quantity sold.
type TopProduct struct {
	Name     string
	Quantity int
}

// SalesSummary aggregates the sales table. Available is false when the
// store could not be queried.
type SalesSummary struct {
	Available    bool
	TotalSales   int
	TotalRevenue decimal.Decimal
	TopProducts  []TopProduct
	Recent       []SaleLine
	Timestamp    time.Time
}

// Cache is owned by exactly one session.
type Cache struct {
	source     Source
	ttl        time.Duration
	cacheSales bool
	now        func() time.Time
	logger     *zap.Logger

	mu       sync.RWMutex
	products *ProductSnapshot
	sales    *SalesSummary

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the snapshot lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithSalesCaching applies the TTL to sales summaries too.
func WithSalesCaching(on bool) Option {
	return func(c *Cache) { c.cacheSales = on }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a cache over source.
func New(source Source, opts ...Option) *Cache {
	c := &Cache{
		source: source,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Products returns the cached product list, recomputing it when the cache is
// empty, expired, or force is set. Concurrent refreshes are coalesced.
func (c *Cache) Products(ctx context.Context, force bool) (ProductSnapshot, error) {
	if !force {
		if snap, ok := c.freshProducts(); ok {
			return snap, nil
		}
	}

	v, err, _ := c.group.Do("products", func() (any, error) {
		if !force {
			if snap, ok := c.freshProducts(); ok {
				return snap, nil
			}
		}
		items, err := c.source.ProductStats(ctx)
		if err != nil {
			return nil, err
		}
		snap := ProductSnapshot{Products: items, Timestamp: c.now()}
		c.mu.Lock()
		c.products = &snap
		c.mu.Unlock()
		c.logger.Debug("product snapshot refreshed", zap.Int("products", len(items)))
		return snap, nil
	})
	if err != nil {
		c.logger.Warn("product refresh failed", zap.Error(err))
		return ProductSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v.(ProductSnapshot), nil
}

// Sales returns the sales summary. Failures yield Available=false.
func (c *Cache) Sales(ctx context.Context) SalesSummary {
	if c.cacheSales {
		c.mu.RLock()
		cached := c.sales
		c.mu.RUnlock()
		if cached != nil && c.fresh(cached.Timestamp) {
			return *cached
		}
	}

	v, err, _ := c.group.Do("sales", func() (any, error) {
		lines, err := c.source.SalesLines(ctx)
		if err != nil {
			return nil, err
		}
		summary := Summarize(lines, c.now())
		if c.cacheSales {
			c.mu.Lock()
			c.sales = &summary
			c.mu.Unlock()
		}
		return summary, nil
	})
	if err != nil {
		c.logger.Warn("sales query failed", zap.Error(err))
		return SalesSummary{Available: false, Timestamp: c.now()}
	}
	return v.(SalesSummary)
}

// Invalidate drops every cached snapshot.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.products = nil
	c.sales = nil
	c.mu.Unlock()
}

func (c *Cache) freshProducts() (ProductSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.products == nil || !c.fresh(c.products.Timestamp) {
		return ProductSnapshot{}, false
	}
	return *c.products, true
}

func (c *Cache) fresh(ts time.Time) bool {
	return c.now().Sub(ts) < c.ttl
}

// Summarize aggregates sale lines ordered most recent first.
func Summarize(lines []SaleLine, now time.Time) SalesSummary {
	s := SalesSummary{
		Available:    true,
		TotalSales:   len(lines),
		TotalRevenue: decimal.Zero,
		Timestamp:    now,
	}

	qty := make(map[string]int)
	var order []string
	for _, l := range lines {
		s.TotalRevenue = s.TotalRevenue.Add(l.Total)
		if _, seen := qty[l.ProductName]; !seen {
			order = append(order, l.ProductName)
		}
		qty[l.ProductName] += l.Quantity
	}

	top := make([]TopProduct, 0, len(order))
	for _, name := range order {
		top = append(top, TopProduct{Name: name, Quantity: qty[name]})
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].Quantity > top[j].Quantity })
	if len(top) > topProductsN {
		top = top[:topProductsN]
	}
	s.TopProducts = top

	n := len(lines)
	if n > recentSalesN {
		n = recentSalesN
	}
	s.Recent = append([]SaleLine(nil), lines[:n]...)
	return s
}
