package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the authenticated identity an IdentityProvider vouches for.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// IdentityProvider verifies a raw credential string against an external
// identity service. Implementations must reject on any doubt; the gateway
// never fails open.
type IdentityProvider interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

var (
	// ErrInvalidToken covers malformed, badly signed and expired credentials.
	ErrInvalidToken = errors.New("invalid credential")
	// ErrProviderUnavailable marks a failure to reach the identity
	// provider at all. Still a rejection, but logged as an upstream
	// outage rather than attack traffic.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// HMACProvider validates HMAC-signed JWTs locally with a shared secret.
type HMACProvider struct {
	secret []byte
}

func NewHMACProvider(secret string) *HMACProvider {
	return &HMACProvider{secret: []byte(secret)}
}

var _ IdentityProvider = (*HMACProvider)(nil)

func (p *HMACProvider) Verify(_ context.Context, tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing 'sub' claim", ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: missing 'exp' claim", ErrInvalidToken)
	}
	return Claims{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}
