// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// a record kind, i.e. "consultation", "purchase-order", etc.
	Kind = "kind"

	// a record ID. unique only within its kind.
	RecordID = "record_id"

	// name of a backing store (a record kind or the app state store).
	StoreName = "store"

	// an app state key.
	StateKey = "state_key"

	// a canonical workflow step ordinal (1-9).
	StepID   = "step_id"
	StepName = "step_name"

	// storage service or view operation name.
	Operation = "op"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
