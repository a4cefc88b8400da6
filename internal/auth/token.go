// Package auth decodes and issues the HS256 tokens clients attach to prompt frames.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	// TokenLifetime defines how long issued tokens are valid.
	TokenLifetime = time.Hour

	// DefaultAudience is the audience stamped on issued tokens.
	DefaultAudience = "OSAIL-LIASO-NODE"
)

var (
	// ErrTokenExpired is returned when the token has expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned when the token is invalid for any reason.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoSecret is returned when no signing secret is configured.
	ErrNoSecret = errors.New("jwt secret not configured")
)

// Claims is the decoded token payload.
type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
}

// HasRole reports whether the token grants role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier decodes and issues tokens signed with a shared secret.
type Verifier struct {
	secret   []byte
	audience string
	now      func() time.Time
}

// NewVerifier creates a verifier. audience is only used when issuing tokens.
func NewVerifier(secret, audience string) *Verifier {
	if audience == "" {
		audience = DefaultAudience
	}
	return &Verifier{secret: []byte(secret), audience: audience, now: time.Now}
}

// DecodeToken validates the signature and expiry of tokenString.
func (v *Verifier) DecodeToken(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrNoSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueToken signs a one-hour token for username. issuer records what asked for it.
func (v *Verifier) IssueToken(username string, roles []string, issuer string) (string, *Claims, error) {
	if len(v.secret) == 0 {
		return "", nil, ErrNoSecret
	}

	now := v.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{v.audience},
			Issuer:    issuer,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
			ID:        uuid.NewString(),
		},
		Username: username,
		Roles:    roles,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}
