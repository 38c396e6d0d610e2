package records

import "fmt"

// OperationError is returned by every Service operation that touches a store.
// It names the operation and the store so failures are diagnosable.
type OperationError struct {
	Op   string
	Kind string
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("failed to %s %s data: %v", e.Op, e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opErr(op, kind string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, Kind: kind, Err: err}
}
