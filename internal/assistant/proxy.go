// Package assistant turns a classified chat message plus store context into
// an answer, calling a text generator under a hard deadline.
package assistant

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nbuy/shopchat/internal/providers"
	"github.com/nbuy/shopchat/internal/utils"
)

// DefaultTimeout bounds context loading plus the generator call.
const DefaultTimeout = 5 * time.Second

// Fallback says which canned text, if any, replaced the generated answer.
type Fallback int

const (
	FallbackNone Fallback = iota
	FallbackTimeout
	FallbackError
	FallbackOffline
)

func (f Fallback) String() string {
	switch f {
	case FallbackTimeout:
		return "timeout"
	case FallbackError:
		return "error"
	case FallbackOffline:
		return "offline"
	default:
		return "none"
	}
}

// Reply is the answer sent back to the user.
type Reply struct {
	Text      string
	Fallback  Fallback
	Generator string
	Latency   time.Duration
}

// Responder is the contract the chat session consumes.
type Responder interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithTemplates sets the prompt templates.
func WithTemplates(t *Templates) Option {
	return func(p *Proxy) {
		if t != nil {
			p.tpl = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// Proxy answers chat messages through a Generator.
// A nil generator, or one reporting ErrNotConfigured, selects offline answers.
type Proxy struct {
	gen     providers.Generator
	timeout time.Duration
	logger  *zap.Logger

	mu  sync.RWMutex
	tpl *Templates
}

// New creates a Proxy.
func New(gen providers.Generator, opts ...Option) *Proxy {
	p := &Proxy{
		gen:     gen,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tpl == nil {
		p.tpl = DefaultTemplates()
	}
	p.logger = p.logger.Named("assistant")
	return p
}

// SetTemplates replaces the templates for subsequent calls.
func (p *Proxy) SetTemplates(t *Templates) {
	if t == nil {
		return
	}
	p.mu.Lock()
	p.tpl = t
	p.mu.Unlock()
}

func (p *Proxy) templates() *Templates {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tpl
}

// Timeout returns the answer deadline.
func (p *Proxy) Timeout() time.Duration { return p.timeout }

type result struct {
	text string
	err  error
}

// Respond answers req. It never surfaces generator or store errors: timeouts
// and failures become canned replies. The deadline covers req.Load and the
// generator call together. The only error returned is ctx.Err() when the
// caller gives up waiting; the work keeps running detached until its own
// deadline and its result is discarded.
func (p *Proxy) Respond(ctx context.Context, req Request) (Reply, error) {
	tpl := p.templates()
	start := time.Now()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	done := make(chan Reply, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("answer panicked", zap.Any("panic", r))
				done <- p.canned(tpl, FallbackError, start)
			}
		}()
		done <- p.answer(callCtx, tpl, req, start)
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case reply := <-done:
		return reply, nil
	case <-timer.C:
		p.logger.Warn("answer deadline exceeded",
			zap.String("generator", p.name()),
			zap.String("intent", req.Intent.String()),
			zap.Duration("timeout", p.timeout))
		return p.canned(tpl, FallbackTimeout, start), nil
	case <-ctx.Done():
		p.logger.Debug("caller gone, abandoning answer", zap.Error(ctx.Err()))
		return Reply{}, ctx.Err()
	}
}

func (p *Proxy) answer(ctx context.Context, tpl *Templates, req Request, start time.Time) Reply {
	if req.Load != nil {
		req.Context = req.Load(ctx)
	}
	if p.gen == nil {
		return p.offline(tpl, req, start)
	}
	prompt, err := tpl.BuildPrompt(req)
	if err != nil {
		p.logger.Error("build prompt", zap.Error(err))
		return p.canned(tpl, FallbackError, start)
	}
	text, err := p.gen.Generate(ctx, prompt)
	return p.finish(tpl, req, result{text: text, err: err}, start)
}

func (p *Proxy) name() string {
	if p.gen == nil {
		return "offline"
	}
	return p.gen.Name()
}

func (p *Proxy) finish(tpl *Templates, req Request, r result, start time.Time) Reply {
	switch {
	case r.err == nil:
		p.logger.Debug("generated reply",
			zap.String("generator", p.name()),
			zap.Duration("latency", time.Since(start)),
			zap.String("preview", utils.TruncateString(r.text, 80, "...")))
		return Reply{Text: r.text, Generator: p.name(), Latency: time.Since(start)}
	case errors.Is(r.err, providers.ErrNotConfigured):
		return p.offline(tpl, req, start)
	case errors.Is(r.err, providers.ErrTimeout), errors.Is(r.err, context.DeadlineExceeded):
		p.logger.Warn("generator timed out", zap.String("generator", p.name()), zap.Error(r.err))
		return p.canned(tpl, FallbackTimeout, start)
	default:
		p.logger.Error("generator failed", zap.String("generator", p.name()), zap.Error(r.err))
		return p.canned(tpl, FallbackError, start)
	}
}

func (p *Proxy) offline(tpl *Templates, req Request, start time.Time) Reply {
	text, err := tpl.OfflineReply(req)
	if err != nil {
		p.logger.Error("render offline reply", zap.Error(err))
		return p.canned(tpl, FallbackError, start)
	}
	return Reply{Text: text, Fallback: FallbackOffline, Generator: "offline", Latency: time.Since(start)}
}

func (p *Proxy) canned(tpl *Templates, f Fallback, start time.Time) Reply {
	text := tpl.Fallbacks.Error
	if f == FallbackTimeout {
		text = tpl.Fallbacks.Timeout
	}
	return Reply{Text: text, Fallback: f, Generator: p.name(), Latency: time.Since(start)}
}
