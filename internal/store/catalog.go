package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nbuy/shopchat/internal/contextcache"
)

// NewProduct is the input for AddProduct.
type NewProduct struct {
	Name        string
	Brand       string
	Description string
	Category    string
	Price       decimal.Decimal
	Discount    decimal.Decimal
}

// Sale is the input for RecordSale. Total defaults to UnitPrice*Quantity.
type Sale struct {
	ProductID int64
	UserID    int64 // 0 for anonymous
	Quantity  int
	UnitPrice decimal.Decimal
	Total     decimal.Decimal
	SoldAt    time.Time
}

// AddProduct inserts a product and returns its id.
func (s *Store) AddProduct(ctx context.Context, p NewProduct) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO products (name, brand, description, category, base_price, discount_percentage)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, p.Brand, p.Description, p.Category, p.Price.String(), p.Discount.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert product %q: %w", p.Name, err)
	}
	return res.LastInsertId()
}

// SetStock sets the inventory quantity for a product.
func (s *Store) SetStock(ctx context.Context, productID int64, quantity int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inventory (product_id, quantity) VALUES (?, ?)
		 ON CONFLICT(product_id) DO UPDATE SET quantity = excluded.quantity`,
		productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("set stock for %d: %w", productID, err)
	}
	return nil
}

// AddRating records a 1-5 score.
func (s *Store) AddRating(ctx context.Context, productID, userID int64, score int) error {
	if score < 1 || score > 5 {
		return fmt.Errorf("rating score %d out of range", score)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ratings (product_id, user_id, score, created_at) VALUES (?, ?, ?, ?)`,
		productID, nullID(userID), score, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

// RecordSale inserts a sale line.
func (s *Store) RecordSale(ctx context.Context, sale Sale) (int64, error) {
	if sale.Quantity <= 0 {
		return 0, fmt.Errorf("sale quantity must be positive")
	}
	total := sale.Total
	if total.IsZero() {
		total = sale.UnitPrice.Mul(decimal.NewFromInt(int64(sale.Quantity)))
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sales (product_id, user_id, quantity, unit_price, total_price, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sale.ProductID, nullID(sale.UserID), sale.Quantity, sale.UnitPrice.String(), total.String(), toMillis(sale.SoldAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert sale: %w", err)
	}
	return res.LastInsertId()
}

// ProductStats returns every product with its sale count, rating aggregates
// and current stock.
func (s *Store) ProductStats(ctx context.Context) ([]contextcache.Product, error) {
	const q = `
SELECT p.id, p.name, p.category, p.brand, p.description, p.base_price, p.discount_percentage,
	COALESCE((SELECT AVG(r.score) FROM ratings r WHERE r.product_id = p.id), 0),
	(SELECT COUNT(*) FROM ratings r WHERE r.product_id = p.id),
	COALESCE((SELECT i.quantity FROM inventory i WHERE i.product_id = p.id), 0),
	(SELECT COUNT(*) FROM sales s WHERE s.product_id = p.id)
FROM products p
ORDER BY p.id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query product stats: %w", err)
	}
	defer rows.Close()

	var out []contextcache.Product
	for rows.Next() {
		var p contextcache.Product
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Category, &p.Brand, &p.Description, &p.Price, &p.Discount,
			&p.AvgRating, &p.RatingCount, &p.Stock, &p.SaleCount,
		); err != nil {
			return nil, fmt.Errorf("scan product stats: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SalesLines returns every sale joined with its product name, most recent first.
func (s *Store) SalesLines(ctx context.Context) ([]contextcache.SaleLine, error) {
	const q = `
SELECT s.id, s.product_id, p.name, s.quantity, s.unit_price, s.total_price, s.created_at
FROM sales s JOIN products p ON p.id = s.product_id
ORDER BY s.created_at DESC, s.id DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	defer rows.Close()

	var out []contextcache.SaleLine
	for rows.Next() {
		var (
			l  contextcache.SaleLine
			ts int64
		)
		if err := rows.Scan(&l.ID, &l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPrice, &l.Total, &ts); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		l.SoldAt = fromMillis(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CatalogCounts reports row counts for the status endpoint and the seed check.
func (s *Store) CatalogCounts(ctx context.Context) (products, sales int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM products), (SELECT COUNT(*) FROM sales)`,
	).Scan(&products, &sales)
	if err != nil {
		return 0, 0, fmt.Errorf("count catalog: %w", err)
	}
	return products, sales, nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}
