package workflow

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/workflowzen/wfzen/storage"
)

// ErrInvalidStep is returned for step IDs outside of 1-9.
var ErrInvalidStep = errors.New("invalid step")

// StepID is the ordinal of a canonical step.
type StepID int

// Valid reports whether id names a canonical step.
func (id StepID) Valid() bool {
	return id >= 1 && int(id) <= len(Steps)
}

// ParseStepID converts s into a valid StepID.
func ParseStepID(s string) (StepID, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStep, s)
	}
	id := StepID(i)
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidStep, i)
	}
	return id, nil
}

// Step is one of the canonical workflow steps.
type Step struct {
	ID          StepID       `json:"id"`
	Name        string       `json:"name"`
	Route       string       `json:"route"`
	Description string       `json:"description"`
	Kind        storage.Kind `json:"kind,omitempty"` // empty for steps without records
}

// Steps are the canonical workflow steps in order.
var Steps = []Step{
	{1, "Consultation", "/consultation", "Initial consultation with the client", storage.KindConsultation},
	{2, "Data Entry", "/data-entry", "Capture the client and project details", ""},
	{3, "Purchase Order", "/purchase-order", "Issue a purchase order to the vendor", storage.KindPurchaseOrder},
	{4, "Service Request", "/service-request", "Request the service from the vendor", storage.KindServiceRequest},
	{5, "Service Delivery", "/service-delivery", "Confirm the service was delivered", storage.KindServiceDelivery},
	{6, "Invoice Receipt", "/invoice-receipt", "Receive and check the vendor invoice", storage.KindInvoiceReceipt},
	{7, "Payment Request", "/payment-request", "Request payment of the invoice", storage.KindPaymentRequest},
	{8, "Payment Approval", "/payment-approval", "Approve the payment", ""},
	{9, "Accounting Transfer", "/accounting-transfer", "Transfer the records to accounting", ""},
}

// StepByID returns the step with id.
func StepByID(id StepID) (Step, bool) {
	if !id.Valid() {
		return Step{}, false
	}
	return Steps[id-1], true
}
