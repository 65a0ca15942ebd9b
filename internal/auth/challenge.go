package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	challengeIssuer   = "crm"
	challengeAudience = "mfa"
	challengeInfo     = "crm mfa challenge v1"

	DefaultChallengeTTL = 5 * time.Minute
)

// Challenges issues the short-lived token that binds a password-verified user
// to the follow-up MFA request. It carries no permissions and is not a session.
type Challenges struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewChallenges derives the signing key from master with HKDF so the
// encryption key is never used directly as a MAC key.
func NewChallenges(master []byte, ttl time.Duration) (*Challenges, error) {
	if len(master) == 0 {
		return nil, errors.New("challenge master key is required")
	}
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(challengeInfo)), key); err != nil {
		return nil, fmt.Errorf("derive challenge key: %w", err)
	}
	return &Challenges{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue signs a challenge for userID.
func (c *Challenges) Issue(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	now := c.now().UTC()
	exp := now.Add(c.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    challengeIssuer,
		Subject:   userID,
		Audience:  jwt.ClaimStrings{challengeAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign challenge: %w", err)
	}
	return signed, exp, nil
}

// Verify returns the user id bound to token.
func (c *Challenges) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidChallenge
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(challengeIssuer),
		jwt.WithAudience(challengeAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidChallenge
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidChallenge
	}
	return claims.Subject, nil
}
