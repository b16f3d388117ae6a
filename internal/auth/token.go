// Package auth issues and checks the HS256 service tokens that callers
// present to the HTTP and gRPC surfaces.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scopes granted to service tokens.
const (
	ScopeTransfersWrite = "transfers:write"
	ScopeTransfersRead  = "transfers:read"
	ScopeAccountsWrite  = "accounts:write"
	ScopeAccountsRead   = "accounts:read"
	ScopeAdmin          = "admin"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

func (c *AccessTokenClaims) HasScope(s string) bool {
	return slices.Contains(c.Scopes, s) || slices.Contains(c.Scopes, ScopeAdmin)
}

// Signer mints and validates tokens with a shared secret.
type Signer struct {
	Secret []byte
	Issuer string
	Now    func() time.Time
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Mint issues a token for clientID valid for ttl.
func (s *Signer) Mint(clientID string, scopes []string, ttl time.Duration) (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("missing signing secret")
	}
	now := s.now()
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.Issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClientID: clientID,
		Scopes:   scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

func (s *Signer) Validate(tokenString string) (*AccessTokenClaims, error) {
	if len(s.Secret) == 0 {
		return nil, errors.New("missing signing secret")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Issuer))
	}

	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Bearer extracts the token from an Authorization header value.
func Bearer(header string) (string, error) {
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", ErrMissingToken
	}
	tok := strings.TrimSpace(header[len("bearer "):])
	if tok == "" {
		return "", ErrMissingToken
	}
	return tok, nil
}
