// Package providers defines the text generation interface and its backends.
package providers

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the backend did not answer before the deadline.
	ErrTimeout = errors.New("generator: timeout")
	// ErrUpstream covers every other backend failure (transport, non-2xx, bad payload).
	ErrUpstream = errors.New("generator: upstream error")
	// ErrNotConfigured is returned when no backend is set.
	ErrNotConfigured = errors.New("generator: not configured")
)

// Generator turns a prompt into text. Implementations return errors wrapping
// ErrTimeout or ErrUpstream.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
	// Name identifies the backend and model for logs and status.
	Name() string
}

// Prompt is a system instruction plus the user turn.
type Prompt struct {
	System string
	User   string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Messages renders the prompt as chat messages.
func (p Prompt) Messages() []Message {
	msgs := make([]Message, 0, 2)
	if p.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: p.System})
	}
	return append(msgs, Message{Role: "user", Content: p.User})
}

// classify wraps a transport error, mapping deadline expiry to ErrTimeout.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
