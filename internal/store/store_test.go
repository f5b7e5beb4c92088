package store

import (
	"context"
	"math/rand"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbuy/shopchat/internal/auth"
	"github.com/nbuy/shopchat/internal/transcript"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "shop.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ", nil)
	assert.Error(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shop.db")
	s1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	assert.NoError(t, s2.Ping(context.Background()))
}

func TestProductStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	uid, err := s.UpsertUser(ctx, "ana@example.com", "Ana", false)
	require.NoError(t, err)

	laptop, err := s.AddProduct(ctx, NewProduct{
		Name: "Laptop Gaming Pro", Brand: "TechMaster", Category: "Computadoras",
		Price: decimal.RequireFromString("1299.99"), Discount: decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
	mouse, err := s.AddProduct(ctx, NewProduct{Name: "Mouse Gaming Pro", Price: decimal.RequireFromString("79.99")})
	require.NoError(t, err)

	require.NoError(t, s.SetStock(ctx, laptop, 12))
	require.NoError(t, s.SetStock(ctx, laptop, 9))
	require.NoError(t, s.AddRating(ctx, laptop, uid, 5))
	require.NoError(t, s.AddRating(ctx, laptop, uid, 4))
	_, err = s.RecordSale(ctx, Sale{ProductID: laptop, UserID: uid, Quantity: 2, UnitPrice: decimal.RequireFromString("1299.99")})
	require.NoError(t, err)

	stats, err := s.ProductStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, laptop, stats[0].ID)
	assert.Equal(t, "Laptop Gaming Pro", stats[0].Name)
	assert.Equal(t, "1299.99", stats[0].Price.StringFixed(2))
	assert.Equal(t, "10", stats[0].Discount.String())
	assert.InDelta(t, 4.5, stats[0].AvgRating, 0.001)
	assert.Equal(t, 2, stats[0].RatingCount)
	assert.Equal(t, 9, stats[0].Stock)
	assert.Equal(t, 1, stats[0].SaleCount)

	assert.Equal(t, mouse, stats[1].ID)
	assert.Zero(t, stats[1].AvgRating)
	assert.Zero(t, stats[1].Stock)
	assert.Zero(t, stats[1].SaleCount)
}

func TestAddRating_OutOfRange(t *testing.T) {
	s := openTestStore(t)
	id, err := s.AddProduct(context.Background(), NewProduct{Name: "x", Price: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Error(t, s.AddRating(context.Background(), id, 0, 6))
}

func TestSalesLines_MostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.AddProduct(ctx, NewProduct{Name: "Monitor 4K Ultra", Price: decimal.RequireFromString("499.99")})
	require.NoError(t, err)

	base := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	for i, qty := range []int{1, 3, 2} {
		_, err := s.RecordSale(ctx, Sale{
			ProductID: id,
			Quantity:  qty,
			UnitPrice: decimal.RequireFromString("499.99"),
			SoldAt:    base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	lines, err := s.SalesLines(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.Equal(t, "999.98", lines[0].Total.StringFixed(2))
	assert.Equal(t, "Monitor 4K Ultra", lines[0].ProductName)
	assert.Equal(t, base.Add(2*time.Hour), lines[0].SoldAt)
	assert.Equal(t, 1, lines[2].Quantity)
}

func TestRecordSale_RejectsNonPositiveQuantity(t *testing.T) {
	s := openTestStore(t)
	_, err := s.RecordSale(context.Background(), Sale{ProductID: 1, Quantity: 0})
	assert.Error(t, err)
}

func TestLookupUser(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.UpsertUser(ctx, "Admin@Example.com", "Admin", true)
	require.NoError(t, err)

	subj, err := s.LookupUser(ctx, strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.Equal(t, "Admin", subj.Name)
	assert.True(t, subj.IsAdmin)

	again, err := s.UpsertUser(ctx, "admin@example.com", "Root", false)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	u, err := s.UserByEmail(ctx, "ADMIN@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Root", u.Name)
	assert.False(t, u.IsAdmin)

	_, err = s.LookupUser(ctx, "9999")
	assert.ErrorIs(t, err, auth.ErrUnknownSubject)
	_, err = s.LookupUser(ctx, "not-a-number")
	assert.ErrorIs(t, err, auth.ErrUnknownSubject)
}

func TestTranscripts(t *testing.T) {
	ctx := context.Background()
	rec := openTestStore(t).Transcripts()

	require.NoError(t, rec.Open(ctx, transcript.SessionInfo{ID: "sess-1", UserID: "3"}))
	base := time.Date(2024, 2, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Append(ctx, transcript.Message{SessionID: "sess-1", UserID: "3", Content: "¿ventas?", IsUser: true, CreatedAt: base}))
	require.NoError(t, rec.Append(ctx, transcript.Message{SessionID: "sess-1", Content: "Resumen...", CreatedAt: base.Add(time.Second)}))

	msgs, err := rec.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "¿ventas?", msgs[0].Content)
	assert.Equal(t, base, msgs[0].CreatedAt)
	assert.False(t, msgs[1].IsUser)

	require.NoError(t, rec.Close(ctx, "sess-1"))
	infos, err := rec.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Active)
	assert.Equal(t, 2, infos[0].Messages)
	assert.False(t, infos[0].ClosedAt.IsZero())
}

func TestTranscripts_UnknownSession(t *testing.T) {
	ctx := context.Background()
	rec := openTestStore(t).Transcripts()

	assert.ErrorIs(t, rec.Append(ctx, transcript.Message{Content: "x"}), transcript.ErrNoSession)
	assert.ErrorIs(t, rec.Append(ctx, transcript.Message{SessionID: "ghost", Content: "x"}), transcript.ErrUnknownSession)
	assert.ErrorIs(t, rec.Close(ctx, "ghost"), transcript.ErrUnknownSession)
	_, err := rec.List(ctx, "ghost")
	assert.ErrorIs(t, err, transcript.ErrUnknownSession)
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	catalog, err := ParseCatalog(nil)
	require.NoError(t, err)
	require.NotEmpty(t, catalog.Products)

	now := time.Now()
	report, err := s.Seed(ctx, catalog, rand.New(rand.NewSource(1)), now)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, len(catalog.Products), report.Products)
	assert.GreaterOrEqual(t, report.Sales, catalog.Sales.Min)
	assert.LessOrEqual(t, report.Sales, catalog.Sales.Max)

	stats, err := s.ProductStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, report.Products)
	for _, p := range stats {
		assert.GreaterOrEqual(t, p.Stock, catalog.Stock.Min)
		assert.LessOrEqual(t, p.Stock, catalog.Stock.Max)
	}

	lines, err := s.SalesLines(ctx)
	require.NoError(t, err)
	require.Len(t, lines, report.Sales)
	for _, l := range lines {
		assert.True(t, l.SoldAt.After(now.Add(-31*24*time.Hour)))
		assert.LessOrEqual(t, l.Quantity, catalog.Sales.MaxQuantity)
	}

	again, err := s.Seed(ctx, catalog, rand.New(rand.NewSource(2)), now)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
}

func TestParseCatalog_Invalid(t *testing.T) {
	_, err := ParseCatalog([]byte("products: [oops"))
	assert.Error(t, err)
}
