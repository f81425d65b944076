package action

import (
	"context"
	"fmt"

	"github.com/seantiz/shopagent/internal/browser"
)

const (
	defaultSnapshotLimit = 10
	maxSnapshotLimit     = 100
)

var productFields = map[string]string{
	"name":  "product_list.product_name",
	"sku":   "product_list.product_sku",
	"price": "product_list.product_price",
	"stock": "product_list.product_stock",
}

type productSnapshotParams struct {
	Keyword string `json:"keyword"`
	Limit   *int   `json:"limit"`
}

func (p *productSnapshotParams) Validate() error {
	if p.Limit == nil {
		n := defaultSnapshotLimit
		p.Limit = &n
	}
	if *p.Limit < 1 || *p.Limit > maxSnapshotLimit {
		return fmt.Errorf("limit must be between 1 and %d, got %d", maxSnapshotLimit, *p.Limit)
	}
	return nil
}

// FetchProductSnapshot lists products from the product list page,
// optionally filtered by a search keyword.
//
// Payload: {"keyword": string, "limit": 1..100} (limit defaults to 10).
// Result: {"keyword", "count", "products": [{"index", "name", "sku", "price", "stock", "product_id"}]}.
func FetchProductSnapshot() Handler {
	return Define("fetch_product_snapshot", 0, fetchProductSnapshot)
}

func fetchProductSnapshot(ctx context.Context, env Env, p productSnapshotParams) (map[string]any, error) {
	limit := *p.Limit

	if err := navigate(ctx, env, "product_list.entry_url"); err != nil {
		return nil, err
	}
	if p.Keyword != "" {
		if err := search(ctx, env, p.Keyword); err != nil {
			return nil, err
		}
	}

	row, err := selector(env, "product_list.product_row")
	if err != nil {
		return nil, err
	}
	q := browser.RowQuery{
		Row:    row,
		Fields: make(map[string]browser.Selector, len(productFields)),
		Limit:  limit,
	}
	for field, key := range productFields {
		if sel, ok := env.Locators.Selector(key); ok {
			q.Fields[field] = sel
		}
	}
	idAttr := env.Locators.Value("product_list.product_id")
	if idAttr != "" {
		q.Attrs = []string{idAttr}
	}

	rows, err := env.Session.Rows(ctx, q)
	if err != nil {
		return nil, fail(CodeDataExtraction, err, "cannot read product rows")
	}

	products := make([]any, 0, len(rows))
	for i, r := range rows {
		if len(products) == limit {
			break
		}
		// A row without a name is a header or placeholder.
		if r.Fields["name"] == "" {
			continue
		}
		products = append(products, map[string]any{
			"index":      i,
			"name":       r.Fields["name"],
			"sku":        r.Fields["sku"],
			"price":      r.Fields["price"],
			"stock":      r.Fields["stock"],
			"product_id": r.Attrs[idAttr],
		})
	}
	if len(products) == 0 {
		return nil, fail(CodeNoProducts, nil, "no products found")
	}

	return map[string]any{
		"keyword":  p.Keyword,
		"count":    len(products),
		"products": products,
	}, nil
}
