package directory

import (
	"encoding/json"
	"fmt"
	"os"
)

// fileSchema is the on-disk shape consumed by LoadFile.
type fileSchema struct {
	Tenants    []string            `json:"tenants"`
	Identities []Identity          `json:"identities"`
	Members    map[string][]string `json:"members"` // tenant id -> identity ids
}

// LoadFile builds an in-memory directory from a JSON file. Deployments that
// sync tenancy from an external system write this file and restart.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}

	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}

	d := NewMemory()
	for _, t := range schema.Tenants {
		d.AddTenant(t)
	}
	for _, id := range schema.Identities {
		d.AddIdentity(id)
	}
	for tenantID, members := range schema.Members {
		for _, identityID := range members {
			d.AddMember(tenantID, identityID)
		}
	}
	return d, nil
}
