package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubTokenVerifier struct {
	identity *Identity
	err      error
	received string
}

func (s *stubTokenVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	s.received = token
	if s.err != nil {
		return nil, s.err
	}
	return s.identity, nil
}

func decodeAuthError(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestRequireAuthAllowsValidToken(t *testing.T) {
	verifier := &stubTokenVerifier{identity: &Identity{UserID: "42", Roles: []string{RoleAdmin}}}
	authn := NewAuthenticator(verifier)

	called := false
	handler := authn.RequireAuth(RoleStaff, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UserID != "42" || !identity.IsStaff() {
			t.Fatalf("unexpected identity %+v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer  tok-1 ")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !called || rr.Code != http.StatusNoContent {
		t.Fatalf("expected handler call, got status %d", rr.Code)
	}
	if verifier.received != "tok-1" {
		t.Fatalf("expected trimmed token, got %q", verifier.received)
	}
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{})
	handler := authn.RequireAuth()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))

	for _, header := range []string{"", "Basic abc", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rr.Code)
		}
		if body := decodeAuthError(t, rr); body["error"] != "unauthenticated" {
			t.Fatalf("header %q: unexpected body %v", header, body)
		}
	}
}

func TestRequireAuthMapsVerificationErrors(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrTokenExpired, "token_expired"},
		{ErrTokenInvalid, "invalid_token"},
		{errors.New("boom"), "invalid_token"},
	}
	for _, tc := range cases {
		authn := NewAuthenticator(&stubTokenVerifier{err: tc.err})
		handler := authn.RequireAuth()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatalf("handler must not run")
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer x")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%v: expected 401, got %d", tc.err, rr.Code)
		}
		if body := decodeAuthError(t, rr); body["error"] != tc.code {
			t.Fatalf("%v: expected %s, got %v", tc.err, tc.code, body["error"])
		}
	}
}

func TestRequireAuthEnforcesRoles(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{identity: &Identity{UserID: "7", Roles: []string{RoleUser}}})
	handler := authn.RequireAuth(RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if body := decodeAuthError(t, rr); body["error"] != "insufficient_role" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestIdentityRoles(t *testing.T) {
	var nilIdentity *Identity
	if nilIdentity.HasRole(RoleUser) || nilIdentity.IsStaff() {
		t.Fatalf("nil identity must hold no roles")
	}
	identity := &Identity{Roles: []string{"Staff"}}
	if !identity.HasRole(" staff ") || !identity.IsStaff() || identity.HasRole(RoleAdmin) {
		t.Fatalf("unexpected role checks for %+v", identity)
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatalf("expected no identity in empty context")
	}
}

func TestIdentityOwnershipScope(t *testing.T) {
	customer := &Identity{UserID: "user-1", Roles: []string{RoleUser}}
	staff := &Identity{UserID: "ops-1", Roles: []string{"Staff"}}

	if !customer.CanAccess("user-1") || customer.CanAccess("user-2") {
		t.Fatalf("customer must only access own records")
	}
	if !staff.CanAccess("user-2") {
		t.Fatalf("staff must access any record")
	}
	if (&Identity{}).CanAccess("") {
		t.Fatalf("anonymous identity must not match empty owner")
	}
	if got := customer.ScopeUserID("user-2"); got != "user-1" {
		t.Fatalf("customer scope must stay on self, got %q", got)
	}
	if got := staff.ScopeUserID(" user-2 "); got != "user-2" {
		t.Fatalf("staff scope must honour requested user, got %q", got)
	}
	if got := staff.ScopeUserID(""); got != "ops-1" {
		t.Fatalf("staff without request defaults to self, got %q", got)
	}
}

func TestAuthenticateReportsRenderableErrors(t *testing.T) {
	authn := NewAuthenticator(nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	if _, failure := authn.Authenticate(req); failure == nil || failure.Code != "unauthenticated" {
		t.Fatalf("expected missing bearer failure, got %+v", failure)
	}
	req.Header.Set("Authorization", "Bearer abc")
	if _, failure := authn.Authenticate(req); failure == nil || failure.Message != "authorization service unavailable" {
		t.Fatalf("expected missing verifier failure, got %+v", failure)
	}
	req.Header.Set("Authorization", "Basic abc")
	if _, failure := authn.Authenticate(req); failure == nil || failure.Status != http.StatusUnauthorized {
		t.Fatalf("expected non-bearer scheme rejected, got %+v", failure)
	}
}
