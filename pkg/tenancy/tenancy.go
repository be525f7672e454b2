// Package tenancy carries tenant and actor identity through context.
// Authorization happens upstream; the scheduler only needs the scoping
// values passed through so that every job and task query stays confined to
// the caller's company.
package tenancy

import (
	"context"
	"errors"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	actorKey    contextKey = "actor"
)

var (
	ErrNoTenantInContext = errors.New("tenancy: no tenant ID in context")
	ErrInvalidTenantID   = errors.New("tenancy: invalid tenant ID")
)

// WithTenant adds a tenant ID to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID extracts the tenant ID from the context.
func TenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", ErrNoTenantInContext
	}
	return id, nil
}

// WithActor adds the acting user to the context. The actor is recorded on
// every history row written on its behalf.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// Actor extracts the acting user from the context, or "system" when no
// caller identity was provided.
func Actor(ctx context.Context) string {
	actor, ok := ctx.Value(actorKey).(string)
	if !ok || actor == "" {
		return "system"
	}
	return actor
}

// ValidTenantID validates the tenant ID format: 1-64 characters of
// alphanumerics, hyphens and underscores.
func ValidTenantID(tenantID string) bool {
	if len(tenantID) == 0 || len(tenantID) > 64 {
		return false
	}
	for _, ch := range tenantID {
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') || ch == '-' || ch == '_') {
			return false
		}
	}
	return true
}
