package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired signals that the bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals that the bearer token is malformed, mis-signed, or carries bad claims.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

const (
	defaultRoleClaim   = "roles"
	legacyRoleClaim    = "role"
	defaultUserIDClaim = "userId"
	defaultEmailClaim  = "email"
	defaultLeeway      = 30 * time.Second
)

// TokenVerifier turns a raw bearer token into an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// JWTVerifier validates tokens issued by the storefront's auth service. HS256 tokens are
// checked against a shared secret and RS256 tokens against a JWKS endpoint; either or
// both may be configured.
type JWTVerifier struct {
	secret   []byte
	jwks     *JWKSCache
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// VerifierOption customises JWTVerifier behaviour.
type VerifierOption func(*JWTVerifier)

// WithHMACSecret enables HS256 verification.
func WithHMACSecret(secret string) VerifierOption {
	return func(v *JWTVerifier) {
		if secret = strings.TrimSpace(secret); secret != "" {
			v.secret = []byte(secret)
		}
	}
}

// WithJWKS enables RS256 verification against the cached key set.
func WithJWKS(cache *JWKSCache) VerifierOption {
	return func(v *JWTVerifier) {
		v.jwks = cache
	}
}

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) VerifierOption {
	return func(v *JWTVerifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// WithAudience requires the aud claim to contain the value.
func WithAudience(audience string) VerifierOption {
	return func(v *JWTVerifier) {
		v.audience = strings.TrimSpace(audience)
	}
}

// WithVerifierClock injects a custom time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *JWTVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewJWTVerifier builds a verifier; at least one key source must be configured.
func NewJWTVerifier(opts ...VerifierOption) (*JWTVerifier, error) {
	v := &JWTVerifier{
		leeway: defaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if len(v.secret) == 0 && v.jwks == nil {
		return nil, errors.New("auth: jwt verifier requires an hmac secret or a jwks url")
	}
	return v, nil
}

// Verify parses and validates the token, then maps its claims to an Identity.
func (v *JWTVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.methods()),
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, v.keyfunc(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if err := v.validate(claims); err != nil {
		return nil, err
	}

	userID := claimString(claims, defaultUserIDClaim)
	if userID == "" {
		userID = claimString(claims, "sub")
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	roles := rolesFromClaims(claims, defaultRoleClaim)
	if len(roles) == 0 {
		roles = rolesFromClaims(claims, legacyRoleClaim)
	}
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}

	return &Identity{
		UserID: userID,
		Email:  claimString(claims, defaultEmailClaim),
		Roles:  roles,
		Claims: claims,
	}, nil
}

func (v *JWTVerifier) methods() []string {
	methods := make([]string, 0, 2)
	if len(v.secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if v.jwks != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	return methods
}

func (v *JWTVerifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			return v.secret, nil
		case jwt.SigningMethodRS256.Alg():
			return v.jwks.Keyfunc(ctx)(token)
		default:
			return nil, fmt.Errorf("auth: unexpected signing method %s", token.Method.Alg())
		}
	}
}

func (v *JWTVerifier) validate(claims jwt.MapClaims) error {
	now := v.now()
	if !claims.VerifyExpiresAt(now.Add(-v.leeway).Unix(), true) {
		return ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now.Add(v.leeway).Unix(), false) {
		return fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return fmt.Errorf("%w: unexpected audience", ErrTokenInvalid)
	}
	return nil
}

func rolesFromClaims(claims map[string]any, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}

	var candidates []string
	switch v := raw.(type) {
	case string:
		candidates = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case []string:
		candidates = v
	default:
		return nil
	}

	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		role := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(candidate), "ROLE_")))
		if role == "" {
			continue
		}
		if _, exists := seen[role]; exists {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimString(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
