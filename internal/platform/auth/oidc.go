package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/voltvault/api/internal/platform/httpx"
)

// Logger receives auth events. Fields may carry a "level" entry.
type Logger func(ctx context.Context, event string, fields map[string]any)

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// OIDCValidator guards internal routes (rule reloads from deploy hooks and Cloud Scheduler)
// with Google-signed OIDC tokens.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

type OIDCOption func(*OIDCValidator)

func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{
		cache:  cache,
		logger: func(context.Context, string, map[string]any) {},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// oidcRejection describes why a request was turned away. reason feeds logs and metrics.
type oidcRejection struct {
	status  int
	code    string
	message string
	reason  string
	err     error
}

func unauthorized(message, reason string, err error) *oidcRejection {
	return &oidcRejection{status: http.StatusUnauthorized, code: "invalid_token", message: message, reason: reason, err: err}
}

type oidcPolicy struct {
	audience string
	issuers  map[string]struct{}
	parser   *jwt.Parser
}

// RequireOIDC admits requests bearing a valid token for audience issued by one of issuers.
// An empty issuer list accepts any issuer whose keys the cache serves.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	policy := oidcPolicy{
		audience: strings.TrimSpace(audience),
		issuers:  make(map[string]struct{}, len(issuers)),
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
	}
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			policy.issuers[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			identity, rejection := v.verify(ctx, policy, r.Header.Get("Authorization"))
			if rejection != nil {
				fields := map[string]any{"reason": rejection.reason, "level": "warn", "path": r.URL.Path}
				if rejection.err != nil {
					fields["error"] = rejection.err.Error()
				}
				v.logger(ctx, "auth.oidc.rejected", fields)
				v.record(ctx, false, rejection.reason, start)
				httpx.WriteError(ctx, w, httpx.NewError(rejection.code, rejection.message, rejection.status))
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) verify(ctx context.Context, policy oidcPolicy, header string) (*ServiceIdentity, *oidcRejection) {
	if policy.audience == "" || v.cache == nil {
		return nil, &oidcRejection{
			status:  http.StatusServiceUnavailable,
			code:    "verification_unavailable",
			message: "oidc verification unavailable",
			reason:  "not_configured",
		}
	}

	raw, ok := extractBearerToken(header)
	if !ok {
		return nil, &oidcRejection{status: http.StatusUnauthorized, code: "unauthenticated", message: "oidc token missing", reason: "token_missing"}
	}

	claims := jwt.MapClaims{}
	if _, err := policy.parser.ParseWithClaims(raw, claims, v.cache.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, &oidcRejection{
				status:  http.StatusServiceUnavailable,
				code:    "verification_unavailable",
				message: "oidc keys unavailable",
				reason:  "jwks_unavailable",
				err:     err,
			}
		}
		return nil, unauthorized("oidc token verification failed", "token_invalid", err)
	}

	issuer, _ := claims["iss"].(string)
	if len(policy.issuers) > 0 {
		if _, allowed := policy.issuers[issuer]; !allowed {
			return nil, unauthorized("oidc issuer mismatch", "issuer_mismatch", nil)
		}
	}
	if !claims.VerifyAudience(policy.audience, true) {
		return nil, unauthorized("oidc audience mismatch", "audience_mismatch", nil)
	}

	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	return &ServiceIdentity{
		Subject:  subject,
		Email:    email,
		Issuer:   issuer,
		Audience: policy.audience,
	}, nil
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}
