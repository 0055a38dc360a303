package event

import (
	"encoding/json"

	"github.com/lodgic/graphsync/errors"
)

// Decoder parses and validates raw messages from the event log against the
// registry's versioned schemas. It is a pure gate: on failure the caller
// routes the raw message to the dead-letter sink with a schema-violation
// reason and does not retry.
type Decoder struct {
	registry *Registry
}

// NewDecoder creates a decoder backed by the given registry
func NewDecoder(registry *Registry) *Decoder {
	return &Decoder{registry: registry}
}

// Decode parses a raw message into a typed event. All returned errors are
// classified invalid; none are retryable.
func (d *Decoder) Decode(raw []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.WrapInvalid(err, "Decoder", "Decode", "envelope parse")
	}

	if env.TenantID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingTenant, "Decoder", "Decode", "tenant check")
	}
	if env.ID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope, "Decoder", "Decode", "event id check")
	}
	if env.Version == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope, "Decoder", "Decode", "version check")
	}

	eventType := Type(env.Type)
	payload, known := d.registry.NewPayload(eventType)
	if !known {
		return nil, errors.WrapInvalid(errors.ErrUnknownType, "Decoder", "Decode", "type lookup for "+env.Type)
	}

	if len(env.Data) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope, "Decoder", "Decode", "empty data payload")
	}
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, errors.WrapInvalid(err, "Decoder", "Decode", "data parse for "+env.Type)
	}
	if err := payload.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Decoder", "Decode", "data validation for "+env.Type)
	}

	ev := &Event{Envelope: env, Type: eventType, Payload: payload}

	// The entity key derived from the payload must itself be storable.
	if err := payload.EntityKey(env.TenantID).Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Decoder", "Decode", "entity key validation")
	}

	return ev, nil
}

// Key returns the identity tuple of the entity a decoded event mutates
func (e *Event) Key() string {
	return e.Payload.EntityKey(e.Envelope.TenantID).String()
}
