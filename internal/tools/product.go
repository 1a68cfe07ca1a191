package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/Vovarama1992/convo-guard/internal/messages"
)

const (
	GetProductInfo = "get_product_info"

	maxProducts = 5
)

type productHandler struct {
	store ProductStore
	cat   *messages.Catalog
}

func NewProductHandler(store ProductStore, cat *messages.Catalog) Handler {
	return &productHandler{store: store, cat: cat}
}

func (h *productHandler) Name() string { return GetProductInfo }

func (h *productHandler) Definition() Definition {
	return Definition{
		Name:        GetProductInfo,
		Description: "Searches the product catalog by name and returns price and stock.",
		Parameters: []Parameter{
			{Name: "product_name", Type: "string", Required: true},
		},
	}
}

func (h *productHandler) Execute(ctx context.Context, raw map[string]any, biz Business, cc CallContext) Result {
	opts := messages.Options{Language: cc.Language, Channel: string(cc.Channel), SeedHint: cc.SessionID}

	args, invalid := bind[ProductArgs](raw)
	if invalid != nil {
		return invalidArgs(h.cat, invalid, cc.Language)
	}

	ps, err := h.store.SearchProducts(ctx, biz.ID, args.ProductName, maxProducts)
	if err != nil {
		return InfraError(fmt.Errorf("search products: %w", err))
	}
	if len(ps) == 0 {
		return NotFound(h.cat.Get("product.not_found", opts).Text)
	}
	if len(ps) > maxProducts {
		ps = ps[:maxProducts]
	}

	items := make([]map[string]any, 0, len(ps))
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		items = append(items, map[string]any{
			"name":     p.Name,
			"price":    p.Price,
			"currency": p.Currency,
			"in_stock": p.InStock,
		})
		parts = append(parts, fmt.Sprintf("%s (%.2f %s)", p.Name, p.Price, p.Currency))
	}

	return OK(map[string]any{"products": items}, h.cat.Render("product.found", opts, map[string]string{
		"products": strings.Join(parts, ", "),
	}))
}
