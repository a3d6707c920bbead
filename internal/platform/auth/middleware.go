package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shopvn/orderflow/internal/platform/httpx"
	"github.com/shopvn/orderflow/internal/platform/requestctx"
)

const defaultVerifyTimeout = 5 * time.Second

var (
	errMissingBearer = httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized)
	errNoVerifier    = httpx.NewError("unauthenticated", "authorization service unavailable", http.StatusUnauthorized)
	errTokenExpired  = httpx.NewError("token_expired", "bearer token expired", http.StatusUnauthorized)
	errTokenInvalid  = httpx.NewError("invalid_token", "bearer token invalid", http.StatusUnauthorized)
	errVerifyFailed  = httpx.NewError("invalid_token", "bearer token verification failed", http.StatusUnauthorized)
	errForbiddenRole = httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden)
)

// Authenticator turns Authorization bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithVerificationTimeout bounds each token verification, including JWKS fetches.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate verifies the bearer token on r. The returned httpx.Error is ready to render.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, *httpx.Error) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, &errMissingBearer
	}
	if a == nil || a.verifier == nil {
		return nil, &errNoVerifier
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	identity, err := a.verifier.Verify(ctx, token)
	switch {
	case err == nil:
		return identity, nil
	case errors.Is(err, ErrTokenExpired):
		return nil, &errTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return nil, &errTokenInvalid
	default:
		return nil, &errVerifyFailed
	}
}

// RequireAuth rejects requests without a valid bearer token and, when roles are given,
// identities holding none of them. The request logger gains the caller's user_id.
func (a *Authenticator) RequireAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = strings.TrimSpace(role); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, failure := a.Authenticate(r)
			if failure != nil {
				httpx.WriteError(ctx, w, *failure)
				return
			}
			if len(allowed) > 0 && !identity.HasAnyRole(allowed...) {
				httpx.WriteError(ctx, w, errForbiddenRole)
				return
			}
			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("user_id", identity.UserID)))
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
