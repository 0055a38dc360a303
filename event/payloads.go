package event

import (
	"fmt"

	"github.com/lodgic/graphsync/graph"
)

// Payload is a typed, schema-validated event data body. Each event type's
// payload knows how to validate itself and name the entity it mutates.
type Payload interface {
	// Validate checks schema conformance beyond what JSON decoding enforces
	Validate() error
	// EntityKey returns the identity tuple of the entity this event mutates
	EntityKey(tenantID string) graph.NodeKey
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("missing required field %q", name)
	}
	return nil
}

// PropertyPayload carries property.* event data
type PropertyPayload struct {
	PropertyID string `json:"propertyId"`
	Name       string `json:"name,omitempty"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
}

func (p *PropertyPayload) Validate() error {
	return requireField("propertyId", p.PropertyID)
}

func (p *PropertyPayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypeProperty, ExternalID: p.PropertyID}
}

// UnitPayload carries unit.* event data
type UnitPayload struct {
	UnitID     string `json:"unitId"`
	PropertyID string `json:"propertyId"`
	Label      string `json:"label,omitempty"`
	Floor      int    `json:"floor,omitempty"`
}

func (p *UnitPayload) Validate() error {
	if err := requireField("unitId", p.UnitID); err != nil {
		return err
	}
	return requireField("propertyId", p.PropertyID)
}

func (p *UnitPayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypeUnit, ExternalID: p.UnitID}
}

// PersonPayload carries person.* event data
type PersonPayload struct {
	PersonID string `json:"personId"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

func (p *PersonPayload) Validate() error {
	return requireField("personId", p.PersonID)
}

func (p *PersonPayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypePerson, ExternalID: p.PersonID}
}

// VendorPayload carries vendor.* event data
type VendorPayload struct {
	VendorID string `json:"vendorId"`
	Name     string `json:"name,omitempty"`
	Trade    string `json:"trade,omitempty"`
}

func (p *VendorPayload) Validate() error {
	return requireField("vendorId", p.VendorID)
}

func (p *VendorPayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypeVendor, ExternalID: p.VendorID}
}

// LeasePayload carries lease.* event data
type LeasePayload struct {
	LeaseID    string  `json:"leaseId"`
	UnitID     string  `json:"unitId"`
	PersonID   string  `json:"personId,omitempty"`
	Status     string  `json:"status,omitempty"`
	StartDate  string  `json:"startDate,omitempty"`
	EndDate    string  `json:"endDate,omitempty"`
	RentAmount float64 `json:"rentAmount,omitempty"`
}

func (p *LeasePayload) Validate() error {
	if err := requireField("leaseId", p.LeaseID); err != nil {
		return err
	}
	return requireField("unitId", p.UnitID)
}

func (p *LeasePayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypeLease, ExternalID: p.LeaseID}
}

// InvoicePayload carries invoice.* event data
type InvoicePayload struct {
	InvoiceID string  `json:"invoiceId"`
	LeaseID   string  `json:"leaseId"`
	UnitID    string  `json:"unitId"`
	Amount    float64 `json:"amount,omitempty"`
	DueDate   string  `json:"dueDate,omitempty"`
	Status    string  `json:"status,omitempty"`
}

func (p *InvoicePayload) Validate() error {
	if err := requireField("invoiceId", p.InvoiceID); err != nil {
		return err
	}
	return requireField("unitId", p.UnitID)
}

func (p *InvoicePayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypeInvoice, ExternalID: p.InvoiceID}
}

// PaymentPayload carries payment.* event data
type PaymentPayload struct {
	PaymentID string  `json:"paymentId"`
	InvoiceID string  `json:"invoiceId"`
	Amount    float64 `json:"amount,omitempty"`
	Method    string  `json:"method,omitempty"`
}

func (p *PaymentPayload) Validate() error {
	if err := requireField("paymentId", p.PaymentID); err != nil {
		return err
	}
	return requireField("invoiceId", p.InvoiceID)
}

func (p *PaymentPayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypePayment, ExternalID: p.PaymentID}
}

// CasePayload carries case.* event data
type CasePayload struct {
	CaseID   string `json:"caseId"`
	UnitID   string `json:"unitId"`
	Category string `json:"category,omitempty"`
	Severity string `json:"severity,omitempty"`
	Status   string `json:"status,omitempty"`
}

func (p *CasePayload) Validate() error {
	if err := requireField("caseId", p.CaseID); err != nil {
		return err
	}
	return requireField("unitId", p.UnitID)
}

func (p *CasePayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypeCase, ExternalID: p.CaseID}
}

// WorkOrderPayload carries workorder.* event data
type WorkOrderPayload struct {
	WorkOrderID string `json:"workOrderId"`
	UnitID      string `json:"unitId"`
	VendorID    string `json:"vendorId,omitempty"`
	Status      string `json:"status,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

func (p *WorkOrderPayload) Validate() error {
	if err := requireField("workOrderId", p.WorkOrderID); err != nil {
		return err
	}
	return requireField("unitId", p.UnitID)
}

func (p *WorkOrderPayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypeWorkOrder, ExternalID: p.WorkOrderID}
}

// DocumentPayload carries document.* event data
type DocumentPayload struct {
	DocumentID string `json:"documentId"`
	UnitID     string `json:"unitId"`
	CaseID     string `json:"caseId,omitempty"`
	LeaseID    string `json:"leaseId,omitempty"`
	Kind       string `json:"kind,omitempty"`
	URI        string `json:"uri,omitempty"`
}

func (p *DocumentPayload) Validate() error {
	if err := requireField("documentId", p.DocumentID); err != nil {
		return err
	}
	return requireField("unitId", p.UnitID)
}

func (p *DocumentPayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: graph.TypeDocument, ExternalID: p.DocumentID}
}

// DeletedPayload carries *.deleted and lease.terminated-style retirement data
type DeletedPayload struct {
	entityType graph.EntityType

	EntityID string `json:"entityId"`
	Reason   string `json:"reason,omitempty"`
}

func (p *DeletedPayload) Validate() error {
	return requireField("entityId", p.EntityID)
}

func (p *DeletedPayload) EntityKey(tenantID string) graph.NodeKey {
	return graph.NodeKey{TenantID: tenantID, EntityType: p.entityType, ExternalID: p.EntityID}
}
