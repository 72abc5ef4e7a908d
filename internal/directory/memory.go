package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zymochat/platform/internal/model"
)

// Memory is an in-process Directory for tests and single-node development.
type Memory struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	// tenant id → member identity ids
	members map[string]map[string]bool
	// identity id → tenant ids
	tenants map[string]map[string]bool
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		identities: make(map[string]*Identity),
		members:    make(map[string]map[string]bool),
		tenants:    make(map[string]map[string]bool),
	}
}

// AddIdentity registers an identity record.
func (d *Memory) AddIdentity(id Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ident := id
	d.identities[id.ID] = &ident
}

// AddTenant registers a tenant with no members.
func (d *Memory) AddTenant(tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.members[tenantID] == nil {
		d.members[tenantID] = make(map[string]bool)
	}
}

// AddMember grants an identity membership of a tenant.
func (d *Memory) AddMember(tenantID, identityID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.members[tenantID] == nil {
		d.members[tenantID] = make(map[string]bool)
	}
	d.members[tenantID][identityID] = true
	if d.tenants[identityID] == nil {
		d.tenants[identityID] = make(map[string]bool)
	}
	d.tenants[identityID][tenantID] = true
}

// RemoveIdentity deletes an identity record and all of its memberships.
func (d *Memory) RemoveIdentity(identityID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.identities, identityID)
	for tenantID := range d.tenants[identityID] {
		delete(d.members[tenantID], identityID)
	}
	delete(d.tenants, identityID)
}

// Identity returns the identity record.
func (d *Memory) Identity(ctx context.Context, identityID string) (*Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ident, ok := d.identities[identityID]
	if !ok {
		return nil, fmt.Errorf("identity %s: %w", identityID, model.ErrNotFound)
	}
	out := *ident
	return &out, nil
}

// HasAccess reports whether the identity is a member of the tenant.
func (d *Memory) HasAccess(ctx context.Context, identityID, tenantID string) (bool, error) {
	admin, err := d.IsPlatformAdmin(ctx, identityID)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.members[tenantID]
	if !ok {
		return false, fmt.Errorf("tenant %s: %w", tenantID, model.ErrNotFound)
	}
	return members[identityID], nil
}

// MembersOf returns the tenant's member identity ids, sorted for stable output.
func (d *Memory) MembersOf(ctx context.Context, tenantID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.members[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, model.ErrNotFound)
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// TenantsOf returns the tenant ids the identity belongs to.
func (d *Memory) TenantsOf(ctx context.Context, identityID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.tenants[identityID]))
	for id := range d.tenants[identityID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// IsPlatformAdmin reports whether the identity holds the platform admin role.
func (d *Memory) IsPlatformAdmin(ctx context.Context, identityID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ident, ok := d.identities[identityID]
	if !ok {
		return false, nil
	}
	return ident.Role == PlatformAdminRole, nil
}

// AllTenants returns every registered tenant id.
func (d *Memory) AllTenants(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.members))
	for id := range d.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
