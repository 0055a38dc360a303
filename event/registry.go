package event

import (
	"fmt"
	"sync"

	"github.com/lodgic/graphsync/graph"
)

// Type identifies a known change-event type as a dotted domain.action string
type Type string

// Known event types. The registry is additive: new types register a payload
// prototype and a mutation builder without touching existing entries.
const (
	TypePropertyCreated Type = "property.created"
	TypePropertyUpdated Type = "property.updated"
	TypePropertyDeleted Type = "property.deleted"

	TypeUnitCreated Type = "unit.created"
	TypeUnitUpdated Type = "unit.updated"
	TypeUnitDeleted Type = "unit.deleted"

	TypePersonCreated Type = "person.created"
	TypePersonUpdated Type = "person.updated"

	TypeVendorCreated Type = "vendor.created"
	TypeVendorUpdated Type = "vendor.updated"

	TypeLeaseCreated    Type = "lease.created"
	TypeLeaseActivated  Type = "lease.activated"
	TypeLeaseUpdated    Type = "lease.updated"
	TypeLeaseTerminated Type = "lease.terminated"

	TypeInvoiceIssued Type = "invoice.issued"
	TypeInvoicePaid   Type = "invoice.paid"
	TypeInvoiceVoided Type = "invoice.voided"

	TypePaymentSucceeded Type = "payment.succeeded"

	TypeCaseOpened Type = "case.opened"
	TypeCaseClosed Type = "case.closed"

	TypeWorkOrderCreated   Type = "workorder.created"
	TypeWorkOrderCompleted Type = "workorder.completed"

	TypeDocumentAttached Type = "document.attached"
)

// BuilderFunc translates a validated event into the graph mutations it implies
type BuilderFunc func(env Envelope, payload Payload) (MutationSet, error)

type registration struct {
	newPayload func() Payload
	build      BuilderFunc
}

// Registry maps each known event type to its payload schema and mutation
// builder. It is the single dispatch point for event handling; unknown types
// never get past the decoder.
type Registry struct {
	mu      sync.RWMutex
	entries map[Type]registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Type]registration)}
}

// Register adds an event type with its payload prototype and mutation builder.
// Registering an already-known type is an error.
func (r *Registry) Register(t Type, newPayload func() Payload, build BuilderFunc) error {
	if newPayload == nil || build == nil {
		return fmt.Errorf("register %s: payload factory and builder are required", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[t]; exists {
		return fmt.Errorf("register %s: type already registered", t)
	}
	r.entries[t] = registration{newPayload: newPayload, build: build}
	return nil
}

// Known reports whether the raw type string is a registered event type
func (r *Registry) Known(rawType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[Type(rawType)]
	return exists
}

// NewPayload returns a fresh payload value for the given type
func (r *Registry) NewPayload(t Type) (Payload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[t]
	if !exists {
		return nil, false
	}
	return entry.newPayload(), true
}

// Build computes the mutation set implied by a decoded event
func (r *Registry) Build(ev *Event) (MutationSet, error) {
	r.mu.RLock()
	entry, exists := r.entries[ev.Type]
	r.mu.RUnlock()

	if !exists {
		return MutationSet{}, fmt.Errorf("build %s: type not registered", ev.Type)
	}
	return entry.build(ev.Envelope, ev.Payload)
}

// Types returns all registered event types
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}

func retirePayload(entityType graph.EntityType) func() Payload {
	return func() Payload { return &DeletedPayload{entityType: entityType} }
}

// DefaultRegistry returns a registry with every known event type wired to its
// payload schema and mutation builder
func DefaultRegistry() *Registry {
	r := NewRegistry()

	register := func(t Type, newPayload func() Payload, build BuilderFunc) {
		// Registration of the closed default set cannot collide.
		if err := r.Register(t, newPayload, build); err != nil {
			panic(err)
		}
	}

	register(TypePropertyCreated, func() Payload { return &PropertyPayload{} }, buildProperty)
	register(TypePropertyUpdated, func() Payload { return &PropertyPayload{} }, buildProperty)
	register(TypePropertyDeleted, retirePayload(graph.TypeProperty), buildRetire)

	register(TypeUnitCreated, func() Payload { return &UnitPayload{} }, buildUnit)
	register(TypeUnitUpdated, func() Payload { return &UnitPayload{} }, buildUnit)
	register(TypeUnitDeleted, retirePayload(graph.TypeUnit), buildRetire)

	register(TypePersonCreated, func() Payload { return &PersonPayload{} }, buildPerson)
	register(TypePersonUpdated, func() Payload { return &PersonPayload{} }, buildPerson)

	register(TypeVendorCreated, func() Payload { return &VendorPayload{} }, buildVendor)
	register(TypeVendorUpdated, func() Payload { return &VendorPayload{} }, buildVendor)

	register(TypeLeaseCreated, func() Payload { return &LeasePayload{} }, buildLease)
	register(TypeLeaseActivated, func() Payload { return &LeasePayload{} }, buildLease)
	register(TypeLeaseUpdated, func() Payload { return &LeasePayload{} }, buildLease)
	register(TypeLeaseTerminated, func() Payload { return &LeasePayload{} }, buildLeaseTerminated)

	register(TypeInvoiceIssued, func() Payload { return &InvoicePayload{} }, buildInvoice)
	register(TypeInvoicePaid, func() Payload { return &InvoicePayload{} }, buildInvoice)
	register(TypeInvoiceVoided, func() Payload { return &InvoicePayload{} }, buildInvoice)

	register(TypePaymentSucceeded, func() Payload { return &PaymentPayload{} }, buildPayment)

	register(TypeCaseOpened, func() Payload { return &CasePayload{} }, buildCase)
	register(TypeCaseClosed, func() Payload { return &CasePayload{} }, buildCase)

	register(TypeWorkOrderCreated, func() Payload { return &WorkOrderPayload{} }, buildWorkOrder)
	register(TypeWorkOrderCompleted, func() Payload { return &WorkOrderPayload{} }, buildWorkOrder)

	register(TypeDocumentAttached, func() Payload { return &DocumentPayload{} }, buildDocument)

	return r
}
