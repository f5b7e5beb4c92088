// Package auth validates the signed access tokens clients present when they
// open a chat connection.
//
// Tokens are HS256 JWTs compatible with the store backend's access tokens:
//
//	{"token_type": "access", "user_id": 42, "exp": 1700000000, "name": "Ana", "is_admin": false}
//
// Signature and expiry are always verified. DecodeUnverified exists only for
// the diagnostic CLI.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeAccess is the only token type accepted for chat connections.
const TokenTypeAccess = "access"

// Claims is the JWT payload.
type Claims struct {
	TokenType string `json:"token_type,omitempty"`
	UserID    any    `json:"user_id,omitempty"`
	Name      string `json:"name,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// SubjectID returns the user id claim as a string, falling back to "sub".
func (c *Claims) SubjectID() string {
	switch v := c.UserID.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	}
	return strings.TrimSpace(c.RegisteredClaims.Subject)
}

// Identity is the authenticated subject extracted from a credential.
type Identity struct {
	UserID    string
	Name      string
	IsAdmin   bool
	ExpiresAt time.Time
}

// Subject is a user record resolved from the user directory.
type Subject struct {
	ID      string
	Name    string
	IsAdmin bool
}

// Directory resolves a user id to its current name and role.
// Implementations return an error wrapping ErrUnknownSubject when the user does not exist.
type Directory interface {
	LookupUser(ctx context.Context, userID string) (Subject, error)
}

// TokenValidator is the contract the chat session consumes.
type TokenValidator interface {
	Validate(ctx context.Context, credential string) (Identity, error)
}

// Validator verifies HS256 access tokens.
type Validator struct {
	secret    []byte
	leeway    time.Duration
	directory Directory
	now       func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithLeeway tolerates clock skew when checking exp/nbf.
func WithLeeway(d time.Duration) Option {
	return func(v *Validator) { v.leeway = d }
}

// WithDirectory resolves name and role from the user directory instead of the claims.
func WithDirectory(d Directory) Option {
	return func(v *Validator) { v.directory = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a Validator for the given shared secret.
func NewValidator(secret string, opts ...Option) *Validator {
	v := &Validator{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies the credential and returns the subject identity.
func (v *Validator) Validate(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	credential = strings.TrimPrefix(credential, "Bearer ")
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}

	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithJSONNumber(),
	)
	_, err := parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, classify(err)
	}

	if claims.TokenType != "" && claims.TokenType != TokenTypeAccess {
		return Identity{}, fmt.Errorf("%w: token_type %q", ErrMalformedCredential, claims.TokenType)
	}
	userID := claims.SubjectID()
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: no user_id claim", ErrMalformedCredential)
	}

	id := Identity{
		UserID:  userID,
		Name:    claims.Name,
		IsAdmin: claims.IsAdmin,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}

	if v.directory != nil {
		subj, err := v.directory.LookupUser(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrUnknownSubject) {
				return Identity{}, err
			}
			return Identity{}, fmt.Errorf("lookup user %s: %w", userID, err)
		}
		id.Name = subj.Name
		id.IsAdmin = subj.IsAdmin
	}
	return id, nil
}

// classify maps jwt parser errors onto the package's error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
}

// DecodeUnverified parses the token payload without checking the signature
// or expiry. Diagnostic use only.
func DecodeUnverified(credential string) (*Claims, error) {
	var claims Claims
	_, _, err := jwt.NewParser(jwt.WithJSONNumber()).ParseUnverified(strings.TrimSpace(credential), &claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	return &claims, nil
}
