// Package storage defines types and primitives for WorkFlowZen storage backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	// SchemaName identifies the persisted layout. It is also written
	// into backups.
	SchemaName = "workflowzen"

	// SchemaVersion is the current version of the persisted layout.
	SchemaVersion = 1

	// AppStateStore is the name of the store holding app state entries.
	AppStateStore = "appState"
)

var (
	// ErrStorageUnavailable indicates the backing store could not be opened.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when a record or app state key does not exist.
	ErrNotFound = errors.New("not found")

	ErrInvalidKind    = errors.New("invalid record kind")
	ErrInvalidRecord  = errors.New("invalid record")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidFilter  = errors.New("invalid filter")
	ErrInvalidBackup  = errors.New("invalid backup")

	// ErrSchemaVersion is returned when persisted data was written by a
	// newer schema than this package understands.
	ErrSchemaVersion = errors.New("unsupported schema version")
)

// Kind is the closed category of a stored record.
// The kind of a record determines which physical store it lives in.
type Kind string

const (
	KindConsultation    Kind = "consultation"
	KindServiceRequest  Kind = "service-request"
	KindPaymentRequest  Kind = "payment-request"
	KindServiceDelivery Kind = "service-delivery"
	KindPurchaseOrder   Kind = "purchase-order"
	KindInvoiceReceipt  Kind = "invoice-receipt"
	KindDocument        Kind = "document"
)

// Kinds is every valid record kind in schema order.
var Kinds = []Kind{
	KindConsultation,
	KindServiceRequest,
	KindPaymentRequest,
	KindServiceDelivery,
	KindPurchaseOrder,
	KindInvoiceReceipt,
	KindDocument,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind converts s into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// StoreNames returns the names of all stores: one per kind and the app state store.
func StoreNames() []string {
	names := make([]string, 0, len(Kinds)+1)
	for _, k := range Kinds {
		names = append(names, string(k))
	}
	return append(names, AppStateStore)
}

// DefaultStatus is the record status used when a payload carries none.
const DefaultStatus = "active"

// Record is the unit of persistence.
type Record struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Validate checks for missing values.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, r.Kind)
	}
	return ValidateID(r.ID)
}

// ValidateID checks that id can be used as a record key by every backend.
// Path separators, the names "." and ".." and control characters are rejected.
func ValidateID(id string) error {
	switch id {
	case "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case ".", "..":
		return fmt.Errorf("%w: invalid id %q", ErrInvalidRecord, id)
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: id %q contains a path separator", ErrInvalidRecord, id)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: id %q contains a control character", ErrInvalidRecord, id)
	}
	return nil
}

// AppState is a singleton key-value entry for workflow level values.
type AppState struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// RecordStorage stores records with one physical store per kind.
type RecordStorage interface {
	// StoreRecord upserts r into the store for r.Kind.
	// An existing record with the same ID is fully replaced.
	StoreRecord(ctx context.Context, r *Record) error

	// StoreRecords upserts every record into the store for kind.
	// Backends with transactions write the batch in a single transaction.
	StoreRecords(ctx context.Context, kind Kind, records []*Record) error

	// RetrieveRecord returns the record with id.
	// ErrNotFound is returned if it does not exist.
	RetrieveRecord(ctx context.Context, kind Kind, id string) (*Record, error)

	// RetrieveRecords returns every record of kind in no particular order.
	RetrieveRecords(ctx context.Context, kind Kind) ([]*Record, error)

	// DeleteRecord deletes the record with id.
	// Deleting a record that does not exist is not an error.
	DeleteRecord(ctx context.Context, kind Kind, id string) error

	// ClearRecords deletes every record of kind.
	ClearRecords(ctx context.Context, kind Kind) error
}

// AppStateStorage stores app state entries.
type AppStateStorage interface {
	// StoreAppState creates or overwrites the entry for key.
	StoreAppState(ctx context.Context, key string, value json.RawMessage) error

	// StoreAppStates overwrites every entry in entries.
	StoreAppStates(ctx context.Context, entries []AppState) error

	// RetrieveAppState returns the value for key.
	// ErrNotFound is returned if it does not exist.
	RetrieveAppState(ctx context.Context, key string) (json.RawMessage, error)

	// RetrieveAppStates returns every app state entry in no particular order.
	RetrieveAppStates(ctx context.Context) ([]AppState, error)

	// ClearAppState deletes every app state entry.
	ClearAppState(ctx context.Context) error
}

// Storage is the full storage backend.
type Storage interface {
	RecordStorage
	AppStateStorage
}

// Migrator is implemented by backends that keep schema version bookkeeping.
type Migrator interface {
	// Migrate creates or upgrades the schema to SchemaVersion.
	// ErrSchemaVersion is returned if the persisted schema is newer.
	Migrate(ctx context.Context) error
}

// CheckSchemaVersion returns ErrSchemaVersion if have is newer than SchemaVersion.
func CheckSchemaVersion(have int) error {
	if have > SchemaVersion {
		return fmt.Errorf("%w: have %d, support %d", ErrSchemaVersion, have, SchemaVersion)
	}
	return nil
}
