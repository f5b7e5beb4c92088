package assistant

import (
	"github.com/nbuy/shopchat/internal/contextcache"
	"github.com/nbuy/shopchat/internal/intent"
)

// offlineProductsShown caps the product list of the offline answer.
const offlineProductsShown = 5

// OfflineReply renders the templated answer used when no generator is configured.
func (t *Templates) OfflineReply(req Request) (string, error) {
	switch req.Intent {
	case intent.Sales:
		if !req.Context.Sales.Available {
			return t.render(tplSalesUnavailable, nil)
		}
		return t.render(tplSales, struct{ Sales contextcache.SalesSummary }{req.Context.Sales})

	case intent.Product:
		products := req.Context.Products
		if !req.Context.ProductsAvailable || len(products) == 0 {
			return t.render(tplProductsUnavailable, nil)
		}
		shown := products
		if len(shown) > offlineProductsShown {
			shown = shown[:offlineProductsShown]
		}
		return t.render(tplProducts, struct {
			Products      []contextcache.Product
			TotalProducts int
		}{shown, len(products)})
	}

	data := struct{ Name string }{displayName(req.Identity)}
	if req.Identity.IsAdmin {
		return t.render(tplGreetingAdmin, data)
	}
	return t.render(tplGreetingCustomer, data)
}
