package store

import (
	"context"
	_ "embed"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the sample data file layout.
type Catalog struct {
	Users []struct {
		Email string `yaml:"email"`
		Name  string `yaml:"name"`
		Admin bool   `yaml:"admin"`
	} `yaml:"users"`
	Products []struct {
		Name        string `yaml:"name"`
		Brand       string `yaml:"brand"`
		Description string `yaml:"description"`
		Category    string `yaml:"category"`
		Price       string `yaml:"price"`
		Discount    string `yaml:"discount"`
	} `yaml:"products"`
	Stock struct {
		Min int `yaml:"min"`
		Max int `yaml:"max"`
	} `yaml:"stock"`
	Sales struct {
		Min         int `yaml:"min"`
		Max         int `yaml:"max"`
		MaxQuantity int `yaml:"maxQuantity"`
		Days        int `yaml:"days"`
	} `yaml:"sales"`
}

// ParseCatalog decodes a catalog file. Empty input yields the embedded sample.
func ParseCatalog(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		data = defaultCatalog
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.Stock.Max < c.Stock.Min {
		c.Stock.Max = c.Stock.Min
	}
	if c.Sales.Max < c.Sales.Min {
		c.Sales.Max = c.Sales.Min
	}
	if c.Sales.MaxQuantity <= 0 {
		c.Sales.MaxQuantity = 1
	}
	if c.Sales.Days <= 0 {
		c.Sales.Days = 30
	}
	return &c, nil
}

// SeedReport summarizes what Seed inserted.
type SeedReport struct {
	Users    int
	Products int
	Ratings  int
	Sales    int
	Skipped  bool
}

// Seed loads the catalog into an empty database. A non-empty products table
// is left untouched. rng drives stock levels and sale history; pass a fixed
// source for reproducible data.
func (s *Store) Seed(ctx context.Context, c *Catalog, rng *rand.Rand, now time.Time) (SeedReport, error) {
	var report SeedReport
	products, _, err := s.CatalogCounts(ctx)
	if err != nil {
		return report, err
	}
	if products > 0 {
		report.Skipped = true
		return report, nil
	}

	var customers []int64
	for _, u := range c.Users {
		id, err := s.UpsertUser(ctx, u.Email, u.Name, u.Admin)
		if err != nil {
			return report, err
		}
		report.Users++
		if !u.Admin {
			customers = append(customers, id)
		}
	}

	type seeded struct {
		id    int64
		price decimal.Decimal
	}
	var ids []seeded
	for _, p := range c.Products {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return report, fmt.Errorf("product %q price: %w", p.Name, err)
		}
		discount := decimal.Zero
		if p.Discount != "" {
			if discount, err = decimal.NewFromString(p.Discount); err != nil {
				return report, fmt.Errorf("product %q discount: %w", p.Name, err)
			}
		}
		id, err := s.AddProduct(ctx, NewProduct{
			Name:        p.Name,
			Brand:       p.Brand,
			Description: p.Description,
			Category:    p.Category,
			Price:       price,
			Discount:    discount,
		})
		if err != nil {
			return report, err
		}
		if err := s.SetStock(ctx, id, between(rng, c.Stock.Min, c.Stock.Max)); err != nil {
			return report, err
		}
		for _, uid := range customers {
			if rng.Intn(2) == 0 {
				continue
			}
			if err := s.AddRating(ctx, id, uid, between(rng, 3, 5)); err != nil {
				return report, err
			}
			report.Ratings++
		}
		ids = append(ids, seeded{id: id, price: price})
		report.Products++
	}

	if len(ids) == 0 {
		return report, nil
	}
	window := time.Duration(c.Sales.Days) * 24 * time.Hour
	for i, n := 0, between(rng, c.Sales.Min, c.Sales.Max); i < n; i++ {
		p := ids[rng.Intn(len(ids))]
		var buyer int64
		if len(customers) > 0 {
			buyer = customers[rng.Intn(len(customers))]
		}
		_, err := s.RecordSale(ctx, Sale{
			ProductID: p.id,
			UserID:    buyer,
			Quantity:  between(rng, 1, c.Sales.MaxQuantity),
			UnitPrice: p.price,
			SoldAt:    now.Add(-time.Duration(rng.Int63n(int64(window)))),
		})
		if err != nil {
			return report, err
		}
		report.Sales++
	}

	s.logger.Info("sample data seeded",
		zap.Int("users", report.Users),
		zap.Int("products", report.Products),
		zap.Int("ratings", report.Ratings),
		zap.Int("sales", report.Sales),
	)
	return report, nil
}

func between(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}
