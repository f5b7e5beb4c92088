// Package transcript records the time-ordered exchange of every chat session.
package transcript

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSession is returned when a message carries no session reference.
	ErrNoSession = errors.New("transcript: message has no session id")
	// ErrUnknownSession is returned when appending to a session that was never opened.
	ErrUnknownSession = errors.New("transcript: unknown session")
)

// Originator labels.
const (
	OriginUser      = "user"
	OriginAssistant = "assistant"
)

// Message is one persisted line of a conversation. Immutable once appended.
type Message struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"is_user"`
	CreatedAt time.Time `json:"created_at"`
}

// Originator returns "user" or "assistant".
func (m Message) Originator() string {
	if m.IsUser {
		return OriginUser
	}
	return OriginAssistant
}

// SessionInfo describes a chat session row.
type SessionInfo struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
	Active    bool      `json:"is_active"`
	Messages  int       `json:"messages"`
}

// Recorder persists transcripts. Implementations must be safe for concurrent use.
type Recorder interface {
	Open(ctx context.Context, info SessionInfo) error
	Append(ctx context.Context, msg Message) error
	Close(ctx context.Context, sessionID string) error
	List(ctx context.Context, sessionID string) ([]Message, error)
}

// Lister is implemented by recorders that can enumerate their sessions.
type Lister interface {
	Sessions(ctx context.Context) ([]SessionInfo, error)
}

// Validate checks the invariants every appended message must satisfy.
func Validate(msg Message) error {
	if msg.SessionID == "" {
		return ErrNoSession
	}
	return nil
}

// Discard is a Recorder that keeps nothing.
type Discard struct{}

func (Discard) Open(context.Context, SessionInfo) error { return nil }

func (Discard) Append(_ context.Context, msg Message) error { return Validate(msg) }

func (Discard) Close(context.Context, string) error { return nil }

func (Discard) List(context.Context, string) ([]Message, error) { return nil, nil }
