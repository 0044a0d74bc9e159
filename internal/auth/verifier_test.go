package auth_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kitamura-tetsuo/outliner-gateway/internal/auth"
	"github.com/kitamura-tetsuo/outliner-gateway/pkg/logging"
)

func newTestLogger() *slog.Logger {
	return logging.Discard()
}

// countingProvider records how many verification calls reach the upstream
// identity provider.
type countingProvider struct {
	calls  int
	claims auth.Claims
	err    error
}

func (p *countingProvider) Verify(_ context.Context, _ string) (auth.Claims, error) {
	p.calls++
	if p.err != nil {
		return auth.Claims{}, p.err
	}
	return p.claims, nil
}

func unsignedToken(payload string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return header + "." + body + "."
}

func TestVerifyCachesUntilClaimExpiry(t *testing.T) {
	mock := clock.NewMock()
	provider := &countingProvider{claims: auth.Claims{
		Subject:   "user-1",
		ExpiresAt: mock.Now().Add(time.Second),
	}}
	v := auth.NewVerifier(newTestLogger(), provider, mock, nil)

	if _, err := v.Verify(context.Background(), "tok-a"); err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	if _, err := v.Verify(context.Background(), "tok-a"); err != nil {
		t.Fatalf("second Verify failed: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected 1 provider call while cached, got %d", provider.calls)
	}

	// Step past the credential's own expiry; the next lookup must go
	// back to the provider exactly once more.
	mock.Add(2 * time.Second)
	provider.claims.ExpiresAt = mock.Now().Add(time.Second)
	if _, err := v.Verify(context.Background(), "tok-a"); err != nil {
		t.Fatalf("post-expiry Verify failed: %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("expected exactly 2 provider calls, got %d", provider.calls)
	}
}

func TestVerifyRejectsExpiredClaims(t *testing.T) {
	mock := clock.NewMock()
	provider := &countingProvider{claims: auth.Claims{
		Subject:   "user-1",
		ExpiresAt: mock.Now().Add(-time.Minute),
	}}
	v := auth.NewVerifier(newTestLogger(), provider, mock, nil)

	if _, err := v.Verify(context.Background(), "stale"); err == nil {
		t.Fatal("expected rejection for past-expiry claims")
	}
	if v.CacheSize() != 0 {
		t.Fatalf("expired claims must never enter the cache, size=%d", v.CacheSize())
	}
}

func TestVerifyFailsClosedOnProviderError(t *testing.T) {
	for name, provErr := range map[string]error{
		"invalid": auth.ErrInvalidToken,
		"outage":  fmt.Errorf("%w: dial tcp: connection refused", auth.ErrProviderUnavailable),
	} {
		t.Run(name, func(t *testing.T) {
			provider := &countingProvider{err: provErr}
			v := auth.NewVerifier(newTestLogger(), provider, clock.NewMock(), nil)
			if _, err := v.Verify(context.Background(), "anything"); err == nil {
				t.Fatal("expected rejection")
			}
			if v.CacheSize() != 0 {
				t.Fatal("failed verification must not be cached")
			}
		})
	}
}

func TestVerifyRejectsEmptyCredential(t *testing.T) {
	v := auth.NewVerifier(newTestLogger(), &countingProvider{}, clock.NewMock(), nil)
	if _, err := v.Verify(context.Background(), ""); err == nil {
		t.Fatal("expected rejection for empty credential")
	}
}

func TestCacheBoundedToValidCredentials(t *testing.T) {
	mock := clock.NewMock()
	provider := &countingProvider{}
	v := auth.NewVerifier(newTestLogger(), provider, mock, nil)

	for i := 0; i < 5; i++ {
		provider.claims = auth.Claims{
			Subject:   "user",
			ExpiresAt: mock.Now().Add(time.Duration(i+1) * time.Second),
		}
		if _, err := v.Verify(context.Background(), fmt.Sprintf("tok-%d", i)); err != nil {
			t.Fatalf("Verify tok-%d failed: %v", i, err)
		}
	}
	if v.CacheSize() != 5 {
		t.Fatalf("expected 5 cached credentials, got %d", v.CacheSize())
	}

	// Three of the five expire; the next verification prunes them.
	mock.Add(3 * time.Second)
	provider.claims = auth.Claims{Subject: "user", ExpiresAt: mock.Now().Add(time.Minute)}
	if _, err := v.Verify(context.Background(), "tok-fresh"); err != nil {
		t.Fatalf("Verify tok-fresh failed: %v", err)
	}
	if v.CacheSize() != 3 {
		t.Fatalf("expected 3 currently valid credentials cached, got %d", v.CacheSize())
	}
}

func TestUnsignedTokenRejectedWithoutTestMode(t *testing.T) {
	provider := &countingProvider{}
	v := auth.NewVerifier(newTestLogger(), provider, clock.NewMock(), nil)

	_, err := v.Verify(context.Background(), unsignedToken(`{"sub":"mallory"}`))
	if !errors.Is(err, auth.ErrUnsignedTokenRejected) {
		t.Fatalf("expected ErrUnsignedTokenRejected, got %v", err)
	}
	if provider.calls != 0 {
		t.Fatal("unsigned token must never reach the identity provider")
	}
}

func TestUnsignedTokenAcceptedOnlyWithTestModeAuthority(t *testing.T) {
	mock := clock.NewMock()
	v := auth.NewVerifier(newTestLogger(), &countingProvider{}, mock, auth.NewTestModeAuthority(newTestLogger()))

	claims, err := v.Verify(context.Background(), unsignedToken(`{"sub":"tester"}`))
	if err != nil {
		t.Fatalf("Verify failed with test mode enabled: %v", err)
	}
	if claims.Subject != "tester" {
		t.Fatalf("expected subject 'tester', got %q", claims.Subject)
	}
}

func TestMalformedUnsignedTokenStillRejects(t *testing.T) {
	// A header that fails to parse must never fall through to an accept;
	// it routes to the provider, which rejects.
	provider := &countingProvider{err: auth.ErrInvalidToken}
	v := auth.NewVerifier(newTestLogger(), provider, clock.NewMock(), auth.NewTestModeAuthority(newTestLogger()))

	if _, err := v.Verify(context.Background(), "!not-base64!.payload."); err == nil {
		t.Fatal("expected rejection for malformed token")
	}
}

func TestHMACProviderRoundTrip(t *testing.T) {
	secret := "test-secret"
	provider := auth.NewHMACProvider(secret)
	expiry := time.Now().Add(time.Hour)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(expiry),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}

	claims, err := provider.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Errorf("expected subject 'user-42', got %q", claims.Subject)
	}
	if claims.ExpiresAt.Unix() != expiry.Unix() {
		t.Errorf("expiry mismatch: want %v, got %v", expiry.Unix(), claims.ExpiresAt.Unix())
	}
}

func TestHMACProviderRejectsWrongKeyAndMissingClaims(t *testing.T) {
	provider := auth.NewHMACProvider("right-secret")

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, _ := wrongKey.SignedString([]byte("wrong-secret"))
	if _, err := provider.Verify(context.Background(), signed); err == nil {
		t.Fatal("expected rejection for wrong signing key")
	}

	noSub := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, _ = noSub.SignedString([]byte("right-secret"))
	if _, err := provider.Verify(context.Background(), signed); err == nil {
		t.Fatal("expected rejection for missing 'sub' claim")
	}
}
