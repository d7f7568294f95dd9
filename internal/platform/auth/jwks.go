package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSTTL          = 15 * time.Minute
	defaultJWKSFetchTimeout = 5 * time.Second
	defaultJWKSStaleGrace   = time.Hour
	// Unknown key IDs trigger a refetch at most this often.
	jwksRotationCooldown = time.Minute
)

type keySet struct {
	keys      map[string]any
	fetchedAt time.Time
	expiresAt time.Time
}

// JWKSCache serves public keys from a JWKS endpoint. A set lives until its Cache-Control
// max-age passes; when the following refresh fails the old set is kept for a grace period.
type JWKSCache struct {
	endpoint     string
	client       *http.Client
	now          func() time.Time
	ttl          time.Duration
	fetchTimeout time.Duration
	staleGrace   time.Duration

	fetches singleflight.Group
	current atomic.Pointer[keySet]
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// NewJWKSCache constructs a JWKS cache for the endpoint. Nothing is fetched until the first lookup.
func NewJWKSCache(endpoint string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		endpoint:     endpoint,
		client:       &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
		ttl:          defaultJWKSTTL,
		fetchTimeout: defaultJWKSFetchTimeout,
		staleGrace:   defaultJWKSStaleGrace,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSRefreshInterval sets how long a key set lives when the response carries no max-age.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithJWKSStaleGrace bounds how long an expired set keeps serving while refreshes fail.
// Zero disables stale serving.
func WithJWKSStaleGrace(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d >= 0 {
			c.staleGrace = d
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Keyfunc adapts the cache to jwt parsing. The parser is expected to restrict signing methods.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key registered under kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	set, err := c.usableSet(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := set.keys[kid]; ok {
		return key, nil
	}
	if c.now().Sub(set.fetchedAt) < jwksRotationCooldown {
		return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
	}
	// The signer may have rotated keys since the last fetch.
	set, err = c.reload(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := set.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) usableSet(ctx context.Context) (*keySet, error) {
	now := c.now()
	set := c.current.Load()
	if set != nil && now.Before(set.expiresAt) {
		return set, nil
	}
	fresh, err := c.reload(ctx)
	if err == nil {
		return fresh, nil
	}
	if set != nil && now.Before(set.expiresAt.Add(c.staleGrace)) {
		return set, nil
	}
	return nil, err
}

// reload coalesces concurrent refreshes into one request. The fetch outlives a caller that
// gives up so the next caller can use its result.
func (c *JWKSCache) reload(ctx context.Context) (*keySet, error) {
	result := c.fetches.DoChan("jwks", func() (any, error) {
		set, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.current.Store(set)
		return set, nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, ctx.Err())
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySet), nil
	}
}

func (c *JWKSCache) fetch(ctx context.Context) (*keySet, error) {
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrJWKSFetchFailed, c.endpoint, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}

	keys := make(map[string]any, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.KeyID == "" || !jwk.Valid() || !jwk.IsPublic() {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		keys[jwk.KeyID] = jwk.Key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no usable signing keys", ErrJWKSFetchFailed)
	}

	fetchedAt := c.now()
	ttl := c.ttl
	if maxAge, ok := cacheMaxAge(resp.Header.Values("Cache-Control")); ok {
		ttl = maxAge
	}
	return &keySet{keys: keys, fetchedAt: fetchedAt, expiresAt: fetchedAt.Add(ttl)}, nil
}

// cacheMaxAge extracts a positive max-age directive from Cache-Control header values.
func cacheMaxAge(values []string) (time.Duration, bool) {
	for _, value := range values {
		for _, directive := range strings.Split(value, ",") {
			name, arg, found := strings.Cut(strings.TrimSpace(directive), "=")
			if !found || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
				continue
			}
			seconds, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(arg), `"`), 10, 64)
			if err != nil || seconds <= 0 {
				return 0, false
			}
			return time.Duration(seconds) * time.Second, true
		}
	}
	return 0, false
}
