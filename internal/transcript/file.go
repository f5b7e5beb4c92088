package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbuy/shopchat/internal/utils"
)

// FileRecorder stores one append-only JSONL file per session.
//
// The first line is a metadata record, every following line is a Message,
// and closing a session appends a closed marker.
type FileRecorder struct {
	dir string
	mu  sync.Mutex
}

type fileRecord struct {
	Type      string    `json:"_type,omitempty"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	IsUser    bool      `json:"is_user,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	recordMetadata = "metadata"
	recordClosed   = "closed"
)

// NewFileRecorder creates a recorder writing under dir/transcripts.
func NewFileRecorder(dataDir string) (*FileRecorder, error) {
	dir, err := utils.EnsureDir(filepath.Join(dataDir, "transcripts"))
	if err != nil {
		return nil, fmt.Errorf("transcript dir: %w", err)
	}
	return &FileRecorder{dir: dir}, nil
}

// Open writes the metadata line for a new session. Re-opening is a no-op.
func (r *FileRecorder) Open(_ context.Context, info SessionInfo) error {
	if info.ID == "" {
		return ErrNoSession
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path(info.ID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open transcript %s: %w", info.ID, err)
	}
	defer f.Close()
	return writeRecord(f, fileRecord{
		Type:      recordMetadata,
		SessionID: info.ID,
		UserID:    info.UserID,
		CreatedAt: info.CreatedAt.UTC(),
	})
}

// Append adds a message line to an opened session.
func (r *FileRecorder) Append(_ context.Context, msg Message) error {
	if err := Validate(msg); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path(msg.SessionID), os.O_WRONLY|os.O_APPEND, 0o644)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, msg.SessionID)
	}
	if err != nil {
		return fmt.Errorf("append transcript %s: %w", msg.SessionID, err)
	}
	defer f.Close()
	return writeRecord(f, fileRecord{
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Content:   msg.Content,
		IsUser:    msg.IsUser,
		CreatedAt: msg.CreatedAt.UTC(),
	})
}

// Close appends the closed marker.
func (r *FileRecorder) Close(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path(sessionID), os.O_WRONLY|os.O_APPEND, 0o644)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return fmt.Errorf("close transcript %s: %w", sessionID, err)
	}
	defer f.Close()
	return writeRecord(f, fileRecord{Type: recordClosed, SessionID: sessionID, CreatedAt: time.Now().UTC()})
}

// List returns the session's messages ordered by creation time.
func (r *FileRecorder) List(_ context.Context, sessionID string) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, msgs, err := r.load(sessionID)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Sessions returns metadata for every stored session, newest first.
func (r *FileRecorder) Sessions(_ context.Context) ([]SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	var out []SessionInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, _, err := r.load(strings.TrimSuffix(entry.Name(), ".jsonl"))
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- internal ---

func (r *FileRecorder) path(sessionID string) string {
	return filepath.Join(r.dir, utils.SafeFilename(sessionID)+".jsonl")
}

func (r *FileRecorder) load(sessionID string) (SessionInfo, []Message, error) {
	f, err := os.Open(r.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return SessionInfo{}, nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return SessionInfo{}, nil, fmt.Errorf("read transcript %s: %w", sessionID, err)
	}
	defer f.Close()

	info := SessionInfo{ID: sessionID, Active: true}
	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec fileRecord
		if json.Unmarshal([]byte(line), &rec) != nil {
			continue
		}
		switch rec.Type {
		case recordMetadata:
			info.UserID = rec.UserID
			info.CreatedAt = rec.CreatedAt
		case recordClosed:
			info.Active = false
			info.ClosedAt = rec.CreatedAt
		default:
			msgs = append(msgs, Message{
				SessionID: rec.SessionID,
				UserID:    rec.UserID,
				Content:   rec.Content,
				IsUser:    rec.IsUser,
				CreatedAt: rec.CreatedAt,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return SessionInfo{}, nil, fmt.Errorf("scan transcript %s: %w", sessionID, err)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	info.Messages = len(msgs)
	return info, msgs, nil
}

func writeRecord(f *os.File, rec fileRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}
