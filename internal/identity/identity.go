// ABOUTME: Agent identity providers and HS256 session tokens
// ABOUTME: Reads the agent user id from config or from a token's sub claim

package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Provider returns the agent user id of the current session, or "" when the
// session has none.
type Provider interface {
	AgentUserID() string
}

// Static is a fixed agent user id.
type Static string

func (s Static) AgentUserID() string { return string(s) }

// Claims is what a session token carries.
type Claims struct {
	AgentUserID string
	WorkspaceID string
	BotID       string
}

type tokenClaims struct {
	WorkspaceID string `json:"ws,omitempty"`
	BotID       string `json:"bot,omitempty"`
	jwt.RegisteredClaims
}

// FromToken reads claims from a token without checking its signature. The
// backend validates the token on every request; the client only needs to
// know who it is.
func FromToken(token string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	var tc tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &tc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if tc.Subject == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return Claims{AgentUserID: tc.Subject, WorkspaceID: tc.WorkspaceID, BotID: tc.BotID}, nil
}

// TokenProvider is a Provider backed by a session token.
type TokenProvider struct {
	claims Claims
}

// NewTokenProvider parses token once and serves its subject.
func NewTokenProvider(token string) (*TokenProvider, error) {
	c, err := FromToken(token)
	if err != nil {
		return nil, err
	}
	return &TokenProvider{claims: c}, nil
}

func (p *TokenProvider) AgentUserID() string { return p.claims.AgentUserID }

// Claims returns everything the token carried.
func (p *TokenProvider) Claims() Claims { return p.claims }

// Verifier signs and verifies HS256 session tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier with the given secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// Verify checks the signature and expiry and returns the token's claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if tc.Subject == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return Claims{AgentUserID: tc.Subject, WorkspaceID: tc.WorkspaceID, BotID: tc.BotID}, nil
}

// Generate signs a token for c that expires after ttl.
func (v *Verifier) Generate(c Claims, ttl time.Duration) (string, error) {
	if c.AgentUserID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := v.now()
	tc := tokenClaims{
		WorkspaceID: c.WorkspaceID,
		BotID:       c.BotID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.AgentUserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(v.secret)
}
