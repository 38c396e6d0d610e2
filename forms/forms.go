// Package forms defines the typed payloads saved for each record kind.
package forms

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/workflowzen/wfzen/storage"
)

// Payload is a typed record payload.
type Payload interface {
	Validate() error
}

// New returns an empty payload for kind.
func New(kind storage.Kind) (Payload, error) {
	switch kind {
	case storage.KindConsultation:
		return new(Consultation), nil
	case storage.KindServiceRequest:
		return new(ServiceRequest), nil
	case storage.KindPaymentRequest:
		return new(PaymentRequest), nil
	case storage.KindServiceDelivery:
		return new(ServiceDelivery), nil
	case storage.KindPurchaseOrder:
		return new(PurchaseOrder), nil
	case storage.KindInvoiceReceipt:
		return new(InvoiceReceipt), nil
	case storage.KindDocument:
		return new(Document), nil
	}
	return nil, fmt.Errorf("%w: %q", storage.ErrInvalidKind, kind)
}

// Decode unmarshals raw into the payload type for kind and validates it.
func Decode(kind storage.Kind, raw json.RawMessage) (Payload, error) {
	p, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrInvalidPayload, kind, err)
	}
	if err = p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", storage.ErrInvalidPayload, kind, err)
	}
	return p, nil
}

// Validate checks raw against the payload schema for kind.
// Unknown fields are allowed.
func Validate(kind storage.Kind, raw json.RawMessage) error {
	_, err := Decode(kind, raw)
	return err
}

// FieldError describes an invalid payload field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func required(field, value string) error {
	if value == "" {
		return &FieldError{Field: field, Reason: "required"}
	}
	return nil
}

func nonNegative(field string, v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return &FieldError{Field: field, Reason: "must be a non-negative number"}
	}
	return nil
}

// date accepts an empty value, a calendar date or an RFC 3339 timestamp.
func date(field, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, value); err == nil {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return nil
	}
	return &FieldError{Field: field, Reason: "not a date"}
}

func oneOf(field, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &FieldError{Field: field, Reason: fmt.Sprintf("must be one of %v", allowed)}
}

// Consultation is the first contact with a client.
type Consultation struct {
	ClientName   string `json:"clientName"`
	ContactName  string `json:"contactName,omitempty"`
	ContactEmail string `json:"contactEmail,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Topic        string `json:"topic,omitempty"`
	Notes        string `json:"notes,omitempty"`
	MeetingDate  string `json:"meetingDate,omitempty"`
	Status       string `json:"status,omitempty"`
}

func (c *Consultation) Validate() error {
	return errors.Join(
		required("clientName", c.ClientName),
		date("meetingDate", c.MeetingDate),
	)
}

// Priorities of a ServiceRequest.
var Priorities = []string{"low", "medium", "high", "urgent"}

// ServiceRequest asks a department or vendor for a service.
type ServiceRequest struct {
	Title       string `json:"title"`
	RequestedBy string `json:"requestedBy,omitempty"`
	Department  string `json:"department,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (r *ServiceRequest) Validate() error {
	return errors.Join(
		required("title", r.Title),
		oneOf("priority", r.Priority, Priorities...),
		date("dueDate", r.DueDate),
	)
}

// PaymentRequest asks for payment of an invoice.
type PaymentRequest struct {
	Payee         string  `json:"payee"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency,omitempty"`
	InvoiceNumber string  `json:"invoiceNumber,omitempty"`
	DueDate       string  `json:"dueDate,omitempty"`
	Status        string  `json:"status,omitempty"`
}

func (r *PaymentRequest) Validate() error {
	err := errors.Join(
		required("payee", r.Payee),
		nonNegative("amount", r.Amount),
		date("dueDate", r.DueDate),
	)
	if err == nil && r.Amount == 0 {
		err = &FieldError{Field: "amount", Reason: "must be greater than zero"}
	}
	return err
}

// ServiceDelivery confirms a requested service was delivered.
type ServiceDelivery struct {
	Title            string `json:"title"`
	ServiceRequestID string `json:"serviceRequestId,omitempty"`
	DeliveredBy      string `json:"deliveredBy,omitempty"`
	DeliveredAt      string `json:"deliveredAt,omitempty"`
	Notes            string `json:"notes,omitempty"`
	Status           string `json:"status,omitempty"`
}

func (d *ServiceDelivery) Validate() error {
	return errors.Join(
		required("title", d.Title),
		date("deliveredAt", d.DeliveredAt),
	)
}

// LineItem is a single line of a PurchaseOrder.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

// PurchaseOrder commits to buying goods or services from a vendor.
type PurchaseOrder struct {
	PONumber string     `json:"poNumber"`
	Vendor   string     `json:"vendor"`
	Items    []LineItem `json:"items,omitempty"`
	Total    float64    `json:"total,omitempty"`
	Currency string     `json:"currency,omitempty"`
	Status   string     `json:"status,omitempty"`
}

// ItemsTotal sums quantity times unit price over every line item.
func (o *PurchaseOrder) ItemsTotal() float64 {
	var total float64
	for _, item := range o.Items {
		total += item.Quantity * item.UnitPrice
	}
	return total
}

func (o *PurchaseOrder) Validate() error {
	errs := []error{
		required("poNumber", o.PONumber),
		required("vendor", o.Vendor),
		nonNegative("total", o.Total),
	}
	for i, item := range o.Items {
		field := fmt.Sprintf("items.%d", i)
		errs = append(errs,
			required(field+".description", item.Description),
			nonNegative(field+".unitPrice", item.UnitPrice),
		)
		if item.Quantity <= 0 {
			errs = append(errs, &FieldError{Field: field + ".quantity", Reason: "must be greater than zero"})
		}
	}
	if len(o.Items) > 0 && o.Total != 0 && math.Abs(o.Total-o.ItemsTotal()) > 0.005 {
		errs = append(errs, &FieldError{Field: "total", Reason: fmt.Sprintf("does not match items total %.2f", o.ItemsTotal())})
	}
	return errors.Join(errs...)
}

// InvoiceReceipt records a received vendor invoice.
type InvoiceReceipt struct {
	InvoiceNumber string  `json:"invoiceNumber"`
	Vendor        string  `json:"vendor"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency,omitempty"`
	PONumber      string  `json:"poNumber,omitempty"`
	IssueDate     string  `json:"issueDate,omitempty"`
	DueDate       string  `json:"dueDate,omitempty"`
	Text          string  `json:"text,omitempty"`
	Status        string  `json:"status,omitempty"`
}

func (r *InvoiceReceipt) Validate() error {
	return errors.Join(
		required("invoiceNumber", r.InvoiceNumber),
		required("vendor", r.Vendor),
		nonNegative("amount", r.Amount),
		date("issueDate", r.IssueDate),
		date("dueDate", r.DueDate),
	)
}

// Document is a file attached to the workflow.
type Document struct {
	Title    string   `json:"title"`
	FileName string   `json:"fileName,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Status   string   `json:"status,omitempty"`
}

func (d *Document) Validate() error {
	if d.Size < 0 {
		return errors.Join(required("title", d.Title), &FieldError{Field: "size", Reason: "must not be negative"})
	}
	return required("title", d.Title)
}
