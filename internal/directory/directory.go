// Package directory provides the tenant and identity membership contract.
package directory

import (
	"context"
)

// Identity is an authenticated platform user record. Visitors are never
// identities; they are anonymous per-browser-session ids on conversations.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role"` // owner, agent, platform_admin
}

// PlatformAdminRole marks identities that can reach every tenant.
const PlatformAdminRole = "platform_admin"

// Directory is the Tenant Directory contract: who exists, and who may see
// which tenant. Backed elsewhere by the account/site record store.
type Directory interface {
	// Identity returns the identity record, or model.ErrNotFound.
	Identity(ctx context.Context, identityID string) (*Identity, error)

	// HasAccess reports whether the identity is a member of the tenant.
	// Platform admins have access to every tenant.
	HasAccess(ctx context.Context, identityID, tenantID string) (bool, error)

	// MembersOf returns the identity ids with access to the tenant.
	MembersOf(ctx context.Context, tenantID string) ([]string, error)

	// TenantsOf returns the tenant ids the identity belongs to.
	TenantsOf(ctx context.Context, identityID string) ([]string, error)

	// IsPlatformAdmin reports whether the identity can reach all tenants.
	IsPlatformAdmin(ctx context.Context, identityID string) (bool, error)

	// AllTenants returns every tenant id. Used to subscribe platform
	// admins at connect time.
	AllTenants(ctx context.Context) ([]string, error)
}
