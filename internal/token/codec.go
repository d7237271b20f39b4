// Package token signs and verifies the two token classes used by Quill:
// short-lived access tokens and long-lived refresh tokens.
//
// Access tokens are signed with the rotation manager's current secret.
// Verification tolerates signatures produced under the still-within-grace
// previous secret by attempting each valid secret in turn. Refresh tokens
// use a single fixed secret and are never subject to rotation fallback.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token lifetimes.
const (
	AccessTTL  = 15 * time.Minute
	RefreshTTL = 7 * 24 * time.Hour
)

// ErrInvalidToken is returned when a token fails signature or expiry
// verification against every valid secret.
var ErrInvalidToken = errors.New("invalid token")

// SecretSource provides the signing secrets for access tokens. Implemented
// by the secrets rotation manager.
type SecretSource interface {
	// Current returns the secret new tokens are signed with.
	Current(ctx context.Context) (string, error)
	// Valid returns the secrets a signature may verify against, current
	// first.
	Valid(ctx context.Context) ([]string, error)
}

// Claims carried by both token classes.
type Claims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// Codec signs and verifies access and refresh tokens. It performs no I/O
// beyond fetching secrets from its SecretSource.
type Codec struct {
	source        SecretSource
	refreshSecret []byte
	issuer        string
}

// NewCodec creates a Codec. refreshSecret is the fixed, non-rotating secret
// for refresh tokens.
func NewCodec(source SecretSource, refreshSecret string) *Codec {
	return &Codec{
		source:        source,
		refreshSecret: []byte(refreshSecret),
		issuer:        "quill",
	}
}

// SignAccess issues a short-lived access token for the given user, signed
// with the current rotation secret.
func (c *Codec) SignAccess(ctx context.Context, userID int64) (string, error) {
	secret, err := c.source.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch signing secret: %w", err)
	}
	return c.sign(userID, AccessTTL, []byte(secret))
}

// SignRefresh issues a long-lived refresh token for the given user, signed
// with the fixed refresh secret.
func (c *Codec) SignRefresh(ctx context.Context, userID int64) (string, error) {
	return c.sign(userID, RefreshTTL, c.refreshSecret)
}

// VerifyAccess verifies an access token against each currently-valid
// rotation secret in turn, succeeding on first match. If no secret verifies
// the signature, it returns ErrInvalidToken.
func (c *Codec) VerifyAccess(ctx context.Context, tokenStr string) (*Claims, error) {
	valid, err := c.source.Valid(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch verify secrets: %w", err)
	}

	for _, secret := range valid {
		claims, err := c.verify(tokenStr, []byte(secret))
		if err == nil {
			return claims, nil
		}
	}
	return nil, ErrInvalidToken
}

// VerifyRefresh verifies a refresh token against the fixed refresh secret
// only.
func (c *Codec) VerifyRefresh(ctx context.Context, tokenStr string) (*Claims, error) {
	claims, err := c.verify(tokenStr, c.refreshSecret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *Codec) sign(userID int64, ttl time.Duration, secret []byte) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    c.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (c *Codec) verify(tokenStr string, secret []byte) (*Claims, error) {
	claims := &Claims{}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
	)
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
