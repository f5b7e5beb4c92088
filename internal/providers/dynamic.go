package providers

import (
	"context"
	"sync"
)

// Dynamic wraps a Generator with atomic hot-swap support.
//
// Swap replaces the inner generator: in-flight calls finish on the old one,
// new calls use the new one. A nil inner generator fails with ErrNotConfigured.
type Dynamic struct {
	mu    sync.RWMutex
	inner Generator
}

// NewDynamic creates a Dynamic wrapping initial (which may be nil).
func NewDynamic(initial Generator) *Dynamic {
	return &Dynamic{inner: initial}
}

// Generate delegates to the current inner generator.
func (d *Dynamic) Generate(ctx context.Context, prompt Prompt) (string, error) {
	g := d.Inner()
	if g == nil {
		return "", ErrNotConfigured
	}
	return g.Generate(ctx, prompt)
}

// Name returns the current inner generator's name.
func (d *Dynamic) Name() string {
	g := d.Inner()
	if g == nil {
		return "offline"
	}
	return g.Name()
}

// Swap atomically replaces the inner generator.
func (d *Dynamic) Swap(g Generator) {
	d.mu.Lock()
	d.inner = g
	d.mu.Unlock()
}

// Inner returns the current inner generator.
func (d *Dynamic) Inner() Generator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inner
}

// Configured reports whether a backend is set.
func (d *Dynamic) Configured() bool {
	return d.Inner() != nil
}
