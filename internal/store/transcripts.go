package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nbuy/shopchat/internal/transcript"
)

// Transcripts records chat sessions in the chat_sessions/chat_messages tables.
type Transcripts struct {
	db *sql.DB
}

// Transcripts returns the SQL transcript recorder.
func (s *Store) Transcripts() *Transcripts {
	return &Transcripts{db: s.db}
}

var (
	_ transcript.Recorder = (*Transcripts)(nil)
	_ transcript.Lister   = (*Transcripts)(nil)
)

// Open inserts the chat_sessions row. Re-opening updates the user id.
func (t *Transcripts) Open(ctx context.Context, info transcript.SessionInfo) error {
	if info.ID == "" {
		return transcript.ErrNoSession
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, created_at, is_active) VALUES (?, ?, ?, 1)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id`,
		info.ID, info.UserID, toMillis(info.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("open chat session %s: %w", info.ID, err)
	}
	return nil
}

// Append inserts a chat_messages row.
func (t *Transcripts) Append(ctx context.Context, msg transcript.Message) error {
	if err := transcript.Validate(msg); err != nil {
		return err
	}
	var exists int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions WHERE id = ?`, msg.SessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", transcript.ErrUnknownSession, msg.SessionID)
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO chat_messages (session_id, user_id, content, is_user, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.UserID, msg.Content, boolInt(msg.IsUser), toMillis(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

// Close marks the session inactive.
func (t *Transcripts) Close(ctx context.Context, sessionID string) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE chat_sessions SET is_active = 0, closed_at = ? WHERE id = ?`,
		toMillis(time.Now()), sessionID,
	)
	if err != nil {
		return fmt.Errorf("close chat session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", transcript.ErrUnknownSession, sessionID)
	}
	return nil
}

// List returns a session's messages in creation order.
func (t *Transcripts) List(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT session_id, user_id, content, is_user, created_at
		 FROM chat_messages WHERE session_id = ? ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var out []transcript.Message
	for rows.Next() {
		var (
			m  transcript.Message
			ts int64
		)
		if err := rows.Scan(&m.SessionID, &m.UserID, &m.Content, &m.IsUser, &ts); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.CreatedAt = fromMillis(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		var exists int
		if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("list chat messages: %w", err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: %s", transcript.ErrUnknownSession, sessionID)
		}
	}
	return out, nil
}

// Sessions lists chat sessions, newest first.
func (t *Transcripts) Sessions(ctx context.Context) ([]transcript.SessionInfo, error) {
	rows, err := t.db.QueryContext(ctx, `
SELECT c.id, c.user_id, c.created_at, COALESCE(c.closed_at, 0), c.is_active,
	(SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = c.id)
FROM chat_sessions c
ORDER BY c.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()

	var out []transcript.SessionInfo
	for rows.Next() {
		var (
			info              transcript.SessionInfo
			created, closedAt int64
		)
		if err := rows.Scan(&info.ID, &info.UserID, &created, &closedAt, &info.Active, &info.Messages); err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		info.CreatedAt = fromMillis(created)
		if closedAt > 0 {
			info.ClosedAt = fromMillis(closedAt)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
