package graph

import (
	"fmt"
	"regexp"
	"strings"
)

// keySegmentRegex validates a single key segment: no dots, no whitespace.
// Segments are assigned by the source of record (tenant ids, external ids).
var keySegmentRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// NodeKey is the identity tuple that uniquely identifies a projected node.
// It is the idempotency and merge key for all graph mutations.
type NodeKey struct {
	TenantID   string     `json:"tenant_id"`
	EntityType EntityType `json:"entity_type"`
	ExternalID string     `json:"external_id"`
}

// String returns the canonical storage key form: tenant.type.externalID
func (k NodeKey) String() string {
	return fmt.Sprintf("%s.%s.%s", k.TenantID, k.EntityType, k.ExternalID)
}

// Validate checks that all three key segments are present and well-formed
func (k NodeKey) Validate() error {
	if !keySegmentRegex.MatchString(k.TenantID) {
		return fmt.Errorf("invalid tenant id %q", k.TenantID)
	}
	if !k.EntityType.IsValid() {
		return fmt.Errorf("invalid entity type %q", k.EntityType)
	}
	if !keySegmentRegex.MatchString(k.ExternalID) {
		return fmt.Errorf("invalid external id %q", k.ExternalID)
	}
	return nil
}

// ParseKey parses the canonical string form back into a NodeKey
func ParseKey(s string) (NodeKey, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return NodeKey{}, fmt.Errorf("invalid node key %q: expected tenant.type.externalID", s)
	}
	key := NodeKey{
		TenantID:   parts[0],
		EntityType: EntityType(parts[1]),
		ExternalID: parts[2],
	}
	if err := key.Validate(); err != nil {
		return NodeKey{}, fmt.Errorf("invalid node key %q: %w", s, err)
	}
	return key, nil
}

// TenantPrefix returns the KV key prefix covering every node of a tenant
func TenantPrefix(tenantID string) string {
	return tenantID + "."
}

// TypePrefix returns the KV key prefix covering every node of one type
// within a tenant
func TypePrefix(tenantID string, entityType EntityType) string {
	return fmt.Sprintf("%s.%s.", tenantID, entityType)
}
