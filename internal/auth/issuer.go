package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints access tokens with the same shape the store backend issues.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. A zero ttl defaults to 60 minutes.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed access token for the subject.
func (i *Issuer) Issue(subj Subject) (string, error) {
	now := i.now()
	return i.sign(subj, now, now.Add(i.ttl))
}

// IssueExpiring returns a token that expires at the given instant.
func (i *Issuer) IssueExpiring(subj Subject, expiresAt time.Time) (string, error) {
	return i.sign(subj, i.now(), expiresAt)
}

func (i *Issuer) sign(subj Subject, issuedAt, expiresAt time.Time) (string, error) {
	var userID any = subj.ID
	if n, err := strconv.ParseInt(subj.ID, 10, 64); err == nil {
		userID = n
	}
	claims := Claims{
		TokenType: TokenTypeAccess,
		UserID:    userID,
		Name:      subj.Name,
		IsAdmin:   subj.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
