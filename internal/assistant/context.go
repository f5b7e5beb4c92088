package assistant

import (
	"context"

	"go.uber.org/zap"

	"github.com/nbuy/shopchat/internal/contextcache"
	"github.com/nbuy/shopchat/internal/intent"
)

// CacheLoader returns a Request.Load that reads the snapshot kind needs from
// cache, or nil when the intent needs no store data.
func CacheLoader(cache *contextcache.Cache, kind intent.Intent, logger *zap.Logger) func(context.Context) Snapshot {
	if cache == nil || !kind.NeedsContext() {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch kind {
	case intent.Sales:
		return func(ctx context.Context) Snapshot {
			return Snapshot{Sales: cache.Sales(ctx)}
		}
	case intent.Product:
		return func(ctx context.Context) Snapshot {
			snap, err := cache.Products(ctx, false)
			if err != nil {
				logger.Warn("products unavailable", zap.Error(err))
				return Snapshot{}
			}
			return Snapshot{Products: snap.Products, ProductsAvailable: true}
		}
	}
	return nil
}
