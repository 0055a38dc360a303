// Package deadletter routes events that cannot be applied to the graph into a
// durable queue with a machine-readable reason, so operators can inspect and
// replay them after fixing the cause.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reason classifies why an event was dead-lettered
type Reason string

const (
	// ReasonSchemaViolation marks events that failed envelope or payload validation
	ReasonSchemaViolation Reason = "SCHEMA_VIOLATION"
	// ReasonTenantViolation marks events whose mutations crossed tenant boundaries
	ReasonTenantViolation Reason = "TENANT_VIOLATION"
	// ReasonMergeTimeout marks events that exhausted merge retries on transient failures
	ReasonMergeTimeout Reason = "MERGE_TIMEOUT"
	// ReasonMergeError marks events that failed merge for a non-transient cause
	ReasonMergeError Reason = "MERGE_ERROR"
	// ReasonMissingReferencedNode marks edges whose endpoint never materialized
	ReasonMissingReferencedNode Reason = "MISSING_REFERENCED_NODE"
)

// Record is one dead-lettered event with enough context to diagnose and replay
type Record struct {
	ID            string          `json:"id"`
	Reason        Reason          `json:"reason"`
	Detail        string          `json:"detail,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
	EventID       string          `json:"eventId,omitempty"`
	EventType     string          `json:"eventType,omitempty"`
	OriginalEvent json.RawMessage `json:"originalEvent"`
	FirstSeenAt   time.Time       `json:"firstSeenAt"`
	Attempts      int             `json:"attempts"`
}

// NewRecord builds a record with a fresh id and timestamp
func NewRecord(reason Reason, detail string, original []byte) Record {
	return Record{
		ID:            uuid.NewString(),
		Reason:        reason,
		Detail:        detail,
		OriginalEvent: original,
		FirstSeenAt:   time.Now().UTC(),
		Attempts:      1,
	}
}

// Sink receives dead-lettered events
type Sink interface {
	// Submit records a dead-lettered event. Submit must not block event
	// processing for long; implementations buffer or publish asynchronously.
	Submit(ctx context.Context, rec Record) error
	// Count returns the number of records submitted since startup
	Count() uint64
	// Close flushes and releases sink resources
	Close() error
}
