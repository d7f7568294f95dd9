package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type jwksServer struct {
	*httptest.Server
	requests atomic.Int32
	failing  atomic.Bool
	release  chan struct{}
}

func newJWKSServer(t *testing.T, cacheControl string, kids ...string) *jwksServer {
	t.Helper()
	keys := make([]jose.JSONWebKey, 0, len(kids))
	for _, kid := range kids {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		keys = append(keys, jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"})
	}
	srv := &jwksServer{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.requests.Add(1)
		if srv.release != nil {
			<-srv.release
		}
		if srv.failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if cacheControl != "" {
			w.Header().Set("Cache-Control", cacheControl)
		}
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWKSCache_KeyCachesUntilMaxAge(t *testing.T) {
	server := newJWKSServer(t, "public, max-age=3600", "key1")

	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(server.URL, WithJWKSClock(func() time.Time { return now }))

	ctx := context.Background()
	got, err := cache.Key(ctx, "key1")
	if err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("cache.Key second call: %v", err)
	}
	if server.requests.Load() != 1 {
		t.Fatalf("expected single JWKS fetch, got %d", server.requests.Load())
	}

	now = now.Add(time.Hour)
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("cache.Key after expiry: %v", err)
	}
	if server.requests.Load() != 2 {
		t.Fatalf("expected refresh after max-age, got %d fetches", server.requests.Load())
	}
}

func TestJWKSCache_UnknownKidRespectsCooldown(t *testing.T) {
	server := newJWKSServer(t, "max-age=3600", "key1")

	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(server.URL, WithJWKSClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := cache.Key(ctx, "rotated"); !errors.Is(err, ErrJWKSKeyNotFound) {
		t.Fatalf("expected ErrJWKSKeyNotFound, got %v", err)
	}
	if _, err := cache.Key(ctx, "rotated"); !errors.Is(err, ErrJWKSKeyNotFound) {
		t.Fatalf("expected ErrJWKSKeyNotFound, got %v", err)
	}
	if server.requests.Load() != 1 {
		t.Fatalf("expected unknown kid lookups within cooldown to reuse the set, got %d fetches", server.requests.Load())
	}

	now = now.Add(2 * jwksRotationCooldown)
	if _, err := cache.Key(ctx, "rotated"); !errors.Is(err, ErrJWKSKeyNotFound) {
		t.Fatalf("expected ErrJWKSKeyNotFound, got %v", err)
	}
	if server.requests.Load() != 2 {
		t.Fatalf("expected refetch after cooldown, got %d fetches", server.requests.Load())
	}
}

func TestJWKSCache_ServesStaleKeysWithinGrace(t *testing.T) {
	server := newJWKSServer(t, "max-age=60", "key1")

	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(server.URL,
		WithJWKSClock(func() time.Time { return now }),
		WithJWKSStaleGrace(10*time.Minute),
	)
	ctx := context.Background()
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("cache.Key: %v", err)
	}

	server.failing.Store(true)
	now = now.Add(5 * time.Minute)
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("expected stale key within grace, got %v", err)
	}

	now = now.Add(10 * time.Minute)
	if _, err := cache.Key(ctx, "key1"); !errors.Is(err, ErrJWKSFetchFailed) {
		t.Fatalf("expected ErrJWKSFetchFailed after grace, got %v", err)
	}
}

func TestJWKSCache_CoalescesConcurrentFetches(t *testing.T) {
	server := newJWKSServer(t, "max-age=600", "key1")
	server.release = make(chan struct{})

	cache := NewJWKSCache(server.URL)
	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Key(context.Background(), "key1")
			errs <- err
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.requests.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the remaining callers time to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(server.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("cache.Key: %v", err)
		}
	}
	if got := server.requests.Load(); got != 1 {
		t.Fatalf("expected one shared fetch, got %d", got)
	}
}

func TestJWKSCache_RejectsEmptyKeySet(t *testing.T) {
	server := newJWKSServer(t, "")
	_, err := NewJWKSCache(server.URL).Key(context.Background(), "key1")
	if !errors.Is(err, ErrJWKSFetchFailed) {
		t.Fatalf("expected ErrJWKSFetchFailed, got %v", err)
	}
}

func TestCacheMaxAge(t *testing.T) {
	cases := []struct {
		values []string
		want   time.Duration
		ok     bool
	}{
		{values: []string{"max-age=600"}, want: 10 * time.Minute, ok: true},
		{values: []string{"public, max-age=19845, must-revalidate"}, want: 19845 * time.Second, ok: true},
		{values: []string{"public", `max-age="30"`}, want: 30 * time.Second, ok: true},
		{values: []string{"no-store"}},
		{values: []string{"max-age=abc"}},
		{values: []string{"max-age=0"}},
		{},
	}
	for _, tc := range cases {
		got, ok := cacheMaxAge(tc.values)
		if got != tc.want || ok != tc.ok {
			t.Errorf("cacheMaxAge(%q) = %s, %v; want %s, %v", tc.values, got, ok, tc.want, tc.ok)
		}
	}
}
