// Package intent classifies free-text chat messages into the kind of store
// data they ask about.
package intent

import "strings"

// Intent is the classification of a user message.
type Intent int

const (
	General Intent = iota
	Sales
	Product
)

// Keyword sets, checked in order. First match wins.
var (
	SalesKeywords   = []string{"venta", "ventas", "vendido", "vendidos"}
	ProductKeywords = []string{"producto", "precio", "stock", "disponible"}
)

// Classify maps a message to Sales, Product or General using
// case-insensitive substring matching. Sales keywords take precedence.
func Classify(text string) Intent {
	lower := strings.ToLower(text)
	if containsAny(lower, SalesKeywords) {
		return Sales
	}
	if containsAny(lower, ProductKeywords) {
		return Product
	}
	return General
}

// String returns the intent name used in logs and prompts.
func (i Intent) String() string {
	switch i {
	case Sales:
		return "sales"
	case Product:
		return "product"
	default:
		return "general"
	}
}

// NeedsContext reports whether the intent attaches bulk store data to the prompt.
func (i Intent) NeedsContext() bool {
	return i != General
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
