package auth

import (
	"context"
	"slices"
	"strings"
)

// Roles recognised in token claims. Tokens without a role claim are treated as RoleUser.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the authenticated caller: a shopper, or staff operating the back office.
type Identity struct {
	UserID string
	Email  string
	Roles  []string
	Claims map[string]any
}

// HasRole matches role case-insensitively.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(r string) bool {
		return strings.EqualFold(strings.TrimSpace(r), role)
	})
}

func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// IsStaff reports whether the identity may act on orders and payments it does not own.
func (i *Identity) IsStaff() bool {
	return i.HasAnyRole(RoleStaff, RoleAdmin)
}

// CanAccess reports whether the identity may read a record owned by ownerID.
func (i *Identity) CanAccess(ownerID string) bool {
	if i == nil {
		return false
	}
	return i.IsStaff() || (i.UserID != "" && i.UserID == ownerID)
}

// ScopeUserID picks whose records a listing covers: staff may name any user, everybody
// else always sees their own.
func (i *Identity) ScopeUserID(requested string) string {
	if requested = strings.TrimSpace(requested); requested != "" && i.IsStaff() {
		return requested
	}
	if i == nil {
		return ""
	}
	return i.UserID
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}
