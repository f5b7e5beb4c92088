package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nbuy/shopchat/internal/auth"
)

// User is a row of the user directory.
type User struct {
	ID      int64
	Email   string
	Name    string
	IsAdmin bool
}

// UpsertUser creates or updates the user with the given email and returns its id.
func (s *Store) UpsertUser(ctx context.Context, email, name string, isAdmin bool) (int64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0, fmt.Errorf("user email is required")
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, name, is_admin, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET name = excluded.name, is_admin = excluded.is_admin
		 RETURNING id`,
		email, name, boolInt(isAdmin), toMillis(time.Now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert user %s: %w", email, err)
	}
	return id, nil
}

// UserByEmail finds a user by email.
func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, is_admin FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&u.ID, &u.Email, &u.Name, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %s", auth.ErrUnknownSubject, email)
	}
	if err != nil {
		return User{}, fmt.Errorf("query user %s: %w", email, err)
	}
	return u, nil
}

// LookupUser implements auth.Directory.
func (s *Store) LookupUser(ctx context.Context, userID string) (auth.Subject, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return auth.Subject{}, fmt.Errorf("%w: %q", auth.ErrUnknownSubject, userID)
	}
	var (
		name    string
		isAdmin bool
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT name, is_admin FROM users WHERE id = ?`, id,
	).Scan(&name, &isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Subject{}, fmt.Errorf("%w: %d", auth.ErrUnknownSubject, id)
	}
	if err != nil {
		return auth.Subject{}, fmt.Errorf("query user %d: %w", id, err)
	}
	return auth.Subject{ID: userID, Name: name, IsAdmin: isAdmin}, nil
}
