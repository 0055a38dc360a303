// Package watermark persists the highest applied version per entity identity.
// The guard consults it to discard duplicates and detect gaps; it survives
// restarts independently of the graph store so replays stay idempotent.
package watermark

import (
	"context"
	"time"
)

// Watermark records the highest version applied for one entity identity
type Watermark struct {
	Version  uint64    `json:"version"`
	SyncedAt time.Time `json:"syncedAt"`
}

// Store persists watermarks keyed by canonical entity identity
// (tenant.type.externalID)
type Store interface {
	// Get returns the watermark for the identity, or ok=false if none exists
	Get(ctx context.Context, key string) (Watermark, bool, error)
	// Put records the watermark for the identity, overwriting any prior value
	Put(ctx context.Context, key string, wm Watermark) error
	// Close releases store resources
	Close() error
}
