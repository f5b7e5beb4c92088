package assistant

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nbuy/shopchat/internal/auth"
	"github.com/nbuy/shopchat/internal/contextcache"
	"github.com/nbuy/shopchat/internal/intent"
	"github.com/nbuy/shopchat/internal/providers"
)

// DefaultName is used when the identity carries no display name.
const DefaultName = "visitante"

// Snapshot is the store data gathered for one message.
type Snapshot struct {
	Products          []contextcache.Product
	ProductsAvailable bool
	Sales             contextcache.SalesSummary
}

// Request is one message to answer.
type Request struct {
	Identity auth.Identity
	Intent   intent.Intent
	Message  string
	Context  Snapshot
	// Load, when set, gathers Context inside the answer deadline.
	Load func(ctx context.Context) Snapshot
}

type promptData struct {
	Assistant string
	Name      string
	IsAdmin   bool
	Intent    string
	Message   string
	Context   string
}

// BuildPrompt renders the system and user turns for req.
func (t *Templates) BuildPrompt(req Request) (providers.Prompt, error) {
	data := promptData{
		Assistant: t.AssistantName,
		Name:      displayName(req.Identity),
		IsAdmin:   req.Identity.IsAdmin,
		Intent:    req.Intent.String(),
		Message:   req.Message,
	}
	switch req.Intent {
	case intent.Sales:
		data.Context = salesContext(req.Context.Sales)
	case intent.Product:
		data.Context = productContext(req.Context, t.ContextBudget)
	}

	system, err := t.render(tplSystem, data)
	if err != nil {
		return providers.Prompt{}, err
	}
	user, err := t.render(tplUser, data)
	if err != nil {
		return providers.Prompt{}, err
	}
	return providers.Prompt{System: system, User: user}, nil
}

func displayName(id auth.Identity) string {
	if name := strings.TrimSpace(id.Name); name != "" {
		return name
	}
	return DefaultName
}

func salesContext(s contextcache.SalesSummary) string {
	if !s.Available {
		return "Datos de ventas: no disponibles en este momento."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Datos de ventas (%s):\n", s.Timestamp.Format("2006-01-02 15:04"))
	fmt.Fprintf(&sb, "Total de ventas: %d\n", s.TotalSales)
	fmt.Fprintf(&sb, "Ingresos totales: $%s\n", s.TotalRevenue.StringFixed(2))
	sb.WriteString("Productos más vendidos:\n")
	for _, p := range s.TopProducts {
		fmt.Fprintf(&sb, "- %s: %d unidades\n", p.Name, p.Quantity)
	}
	sb.WriteString("Ventas recientes:\n")
	for _, l := range s.Recent {
		fmt.Fprintf(&sb, "- %s: %d x $%s\n", l.ProductName, l.Quantity, l.UnitPrice.StringFixed(2))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// productContext lists products until the token budget is spent.
func productContext(snap Snapshot, budget int) string {
	if !snap.ProductsAvailable {
		return "Catálogo: no disponible en este momento."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Catálogo (%d productos):", len(snap.Products))
	used := estimateTokens(sb.String())
	for i, p := range snap.Products {
		line := productLine(p)
		cost := estimateTokens(line)
		if used+cost > budget {
			fmt.Fprintf(&sb, "\n- ... y %d productos más", len(snap.Products)-i)
			break
		}
		sb.WriteString("\n")
		sb.WriteString(line)
		used += cost
	}
	return sb.String()
}

func productLine(p contextcache.Product) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- %s | precio $%s", p.Name, p.Price.StringFixed(2))
	if p.Discount.IsPositive() {
		fmt.Fprintf(&sb, " (-%s%%)", p.Discount.String())
	}
	fmt.Fprintf(&sb, " | stock %d | vendidos %d", p.Stock, p.SaleCount)
	if p.Category != "" {
		fmt.Fprintf(&sb, " | categoría %s", p.Category)
	}
	if p.Brand != "" {
		fmt.Fprintf(&sb, " | marca %s", p.Brand)
	}
	if p.RatingCount > 0 {
		fmt.Fprintf(&sb, " | valoración %.1f (%d)", p.AvgRating, p.RatingCount)
	}
	return sb.String()
}

// estimateTokens approximates a token count as one token per four characters.
func estimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
