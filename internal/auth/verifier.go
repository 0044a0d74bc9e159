package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheCapacity bounds the LRU against a flood of distinct valid tokens.
// Entry lifetime is still governed per-entry by the credential's own
// expiry claim, never by a fixed TTL.
const cacheCapacity = 10_000

type cacheEntry struct {
	claims Claims
}

// Verifier authenticates raw credentials, caching successful results keyed
// by the exact raw string until each credential's own expiry.
type Verifier struct {
	provider IdentityProvider
	testMode *TestModeAuthority // nil unless deliberately wired at startup
	clock    clock.Clock
	cache    *lru.Cache[string, cacheEntry]
	logger   *slog.Logger
}

func NewVerifier(logger *slog.Logger, provider IdentityProvider, clk clock.Clock, testMode *TestModeAuthority) *Verifier {
	cache, err := lru.New[string, cacheEntry](cacheCapacity)
	if err != nil {
		// Only reachable with a non-positive capacity constant.
		panic(err)
	}
	return &Verifier{
		provider: provider,
		testMode: testMode,
		clock:    clk,
		cache:    cache,
		logger:   logger.With(slog.String("component", "token_verifier")),
	}
}

// Verify authenticates the raw credential. Failure of any kind rejects.
func (v *Verifier) Verify(ctx context.Context, raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, fmt.Errorf("%w: empty credential", ErrInvalidToken)
	}

	now := v.clock.Now()
	v.pruneExpired(now)
	if entry, ok := v.cache.Get(raw); ok {
		if now.Before(entry.claims.ExpiresAt) {
			return entry.claims, nil
		}
		// Lazy eviction: the claim expiry has passed.
		v.cache.Remove(raw)
	}

	// Unsigned (alg "none") credentials are only ever acceptable through
	// an explicitly constructed TestModeAuthority. This check happens
	// before any provider call and its rejection must propagate; it is
	// not a parse failure to be swallowed.
	if isUnsignedToken(raw) {
		if v.testMode == nil {
			v.logger.Warn("Unsigned credential presented without test mode enabled")
			return Claims{}, ErrUnsignedTokenRejected
		}
		claims, err := v.testMode.Decode(raw, now)
		if err != nil {
			return Claims{}, err
		}
		v.store(raw, claims)
		return claims, nil
	}

	claims, err := v.provider.Verify(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			v.logger.Error("Identity provider unreachable; rejecting credential",
				slog.Any("error", err))
		} else {
			v.logger.Warn("Credential rejected", slog.Any("error", err))
		}
		return Claims{}, err
	}
	if !now.Before(claims.ExpiresAt) {
		return Claims{}, fmt.Errorf("%w: credential already expired", ErrInvalidToken)
	}

	v.store(raw, claims)
	return claims, nil
}

// pruneExpired keeps the cache bounded to currently valid credentials.
// Verification is a per-connection event, so the linear sweep is cheap
// relative to the upgrade it gates.
func (v *Verifier) pruneExpired(now time.Time) {
	for _, key := range v.cache.Keys() {
		if entry, ok := v.cache.Peek(key); ok && !now.Before(entry.claims.ExpiresAt) {
			v.cache.Remove(key)
		}
	}
}

func (v *Verifier) store(raw string, claims Claims) {
	v.cache.Add(raw, cacheEntry{claims: claims})
}

// CacheSize reports the number of cached credentials. Expired entries that
// have not been looked up since expiry may still be counted; the next
// lookup removes them.
func (v *Verifier) CacheSize() int {
	return v.cache.Len()
}

// ClearCache drops every cached credential. Intended for tests.
func (v *Verifier) ClearCache() {
	v.cache.Purge()
}
