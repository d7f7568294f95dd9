package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func TestRequireFirebaseAuth_AllowsValidToken(t *testing.T) {
	verifier := &stubTokenVerifier{
		token: &firebaseauth.Token{
			UID: "uid-123",
			Claims: map[string]any{
				"role":  []any{"Staff", "customer", "staff"},
				"email": " buyer@example.com ",
			},
		},
	}
	authn := NewAuthenticator(verifier)

	handlerCalled := false
	handler := authn.RequireFirebaseAuth(RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "uid-123" {
			t.Fatalf("unexpected uid: %s", identity.UID)
		}
		if len(identity.Roles) != 2 || !identity.HasRole("STAFF") || !identity.HasRole(RoleCustomer) {
			t.Fatalf("expected deduplicated roles, got %v", identity.Roles)
		}
		if identity.Email != "buyer@example.com" {
			t.Fatalf("expected trimmed email, got %q", identity.Email)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer token-value")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if !handlerCalled {
		t.Fatalf("expected handler to be called")
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected verifier to receive token-value, got %s", verifier.received)
	}
}

func TestRequireFirebaseAuth_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		header string
		token  *firebaseauth.Token
		err    error
		roles  []string
		status int
		code   string
	}{
		{name: "missing header", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "wrong scheme", header: "Token abc", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "empty bearer", header: "Bearer   ", status: http.StatusUnauthorized, code: "unauthenticated"},
		{
			name:   "verification failure",
			header: "Bearer bad",
			err:    errors.New("signature mismatch"),
			status: http.StatusUnauthorized,
			code:   "invalid_token",
		},
		{
			name:   "insufficient role",
			header: "Bearer ok",
			token:  &firebaseauth.Token{UID: "uid-1", Claims: map[string]any{"role": map[string]any{"staff": false}}},
			roles:  []string{RoleStaff},
			status: http.StatusForbidden,
			code:   "insufficient_role",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authn := NewAuthenticator(&stubTokenVerifier{token: tc.token, err: tc.err})
			handler := authn.RequireFirebaseAuth(tc.roles...)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not execute")
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("expected JSON body: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected %s error, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestRequireFirebaseAuth_MissingRoleDefaultsToCustomer(t *testing.T) {
	verifier := &stubTokenVerifier{
		token: &firebaseauth.Token{UID: "uid-456", Claims: map[string]any{}},
	}
	authn := NewAuthenticator(verifier, WithRoleClaim("roles"))

	handler := authn.RequireFirebaseAuth(RoleCustomer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleCustomer {
			t.Fatalf("expected customer role, got %v", identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer missing-role-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRolesFromClaims(t *testing.T) {
	claims := map[string]any{
		"single": " Staff ",
		"list":   []string{"customer", "", "CUSTOMER"},
		"map":    map[string]any{"staff": true, "admin": "yes"},
		"number": 42,
	}
	cases := map[string][]string{
		"single":  {"staff"},
		"list":    {"customer"},
		"map":     {"staff"},
		"number":  {},
		"missing": {},
	}
	for key, want := range cases {
		got := rolesFromClaims(claims, key)
		if len(got) != len(want) {
			t.Fatalf("%s: expected %v, got %v", key, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: expected %v, got %v", key, want, got)
			}
		}
	}
}
