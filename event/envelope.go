// Package event defines the change-event envelope consumed from the source of
// record's log, the typed event registry, and the decoder that gates malformed
// input into the dead-letter sink.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Version is the per-entity monotonic version carried by an event. Producers
// serialize it as either a JSON number or a numeric string, so it unmarshals
// from both.
type Version uint64

// UnmarshalJSON accepts both `3` and `"3"`
func (v *Version) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case float64:
		if value < 0 || value != float64(uint64(value)) {
			return fmt.Errorf("invalid version number %v", value)
		}
		*v = Version(uint64(value))
		return nil
	case string:
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version string %q: %w", value, err)
		}
		*v = Version(parsed)
		return nil
	default:
		return fmt.Errorf("invalid version value of type %T", raw)
	}
}

// MarshalJSON serializes the version as a JSON number
func (v Version) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(v), 10)), nil
}

// Actor identifies who or what produced an event
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Envelope is the wire shape of a change event as consumed from the event log
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"` // dotted domain.action, e.g. "lease.activated"
	Version       Version         `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Actor         Actor           `json:"actor,omitempty"`
	Data          json.RawMessage `json:"data"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Event is a decoded, schema-validated change event ready for the guard and
// merge engine.
type Event struct {
	Envelope Envelope
	Type     Type
	Payload  Payload
}
