package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbuy/shopchat/internal/assistant"
)

// latencyWindow tracks answer latencies over a sliding window.
type latencyWindow struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries []latencyEntry
}

type latencyEntry struct {
	ts      time.Time
	latency time.Duration
}

func newLatencyWindow(window time.Duration) *latencyWindow {
	return &latencyWindow{
		window:  window,
		now:     time.Now,
		entries: make([]latencyEntry, 0, 128),
	}
}

// Record adds a latency sample.
func (w *latencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, latencyEntry{ts: w.now(), latency: d})
}

// Avg returns the average latency in milliseconds and the sample count
// within the window.
func (w *latencyWindow) Avg() (avgMs int64, count int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	start := 0
	for start < len(w.entries) && w.entries[start].ts.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) == 0 {
		return 0, 0
	}

	var total int64
	for _, e := range w.entries {
		total += e.latency.Milliseconds()
	}
	n := int64(len(w.entries))
	return total / n, n
}

// answerMetrics counts answers by fallback kind.
type answerMetrics struct {
	latency   *latencyWindow
	generated atomic.Int64
	timeouts  atomic.Int64
	errors    atomic.Int64
	offline   atomic.Int64
}

func newAnswerMetrics() *answerMetrics {
	return &answerMetrics{latency: newLatencyWindow(time.Minute)}
}

func (m *answerMetrics) observe(r assistant.Reply) {
	m.latency.Record(r.Latency)
	switch r.Fallback {
	case assistant.FallbackNone:
		m.generated.Add(1)
	case assistant.FallbackTimeout:
		m.timeouts.Add(1)
	case assistant.FallbackError:
		m.errors.Add(1)
	case assistant.FallbackOffline:
		m.offline.Add(1)
	}
}

func (m *answerMetrics) snapshot() map[string]any {
	avg, n := m.latency.Avg()
	return map[string]any{
		"avgLatencyMs": avg,
		"lastMinute":   n,
		"generated":    m.generated.Load(),
		"timeouts":     m.timeouts.Load(),
		"errors":       m.errors.Load(),
		"offline":      m.offline.Load(),
	}
}

// meteredResponder records every delivered reply.
type meteredResponder struct {
	next    assistant.Responder
	metrics *answerMetrics
}

func (r *meteredResponder) Respond(ctx context.Context, req assistant.Request) (assistant.Reply, error) {
	reply, err := r.next.Respond(ctx, req)
	if err == nil {
		r.metrics.observe(reply)
	}
	return reply, err
}
