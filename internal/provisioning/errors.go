package provisioning

import (
	"errors"
	"fmt"

	"github.com/roach88/provsync/internal/ir"
)

// ErrConcurrentModification is logged when a submission has to wait for
// another operation on the same (system, UID). It is informational: the
// operation stays queued and runs once the earlier one finishes.
var ErrConcurrentModification = errors.New("concurrent modification")

// ErrInvalidRequest is returned for requests missing a system, UID or a
// valid kind.
var ErrInvalidRequest = errors.New("invalid provisioning request")

// ErrStopped is returned by RequestProvisioning after Stop.
var ErrStopped = errors.New("executor stopped")

// BreakerOpenError reports an operation short-circuited by the break
// policy. The operation is archived with result code BREAKER_OPEN.
type BreakerOpenError struct {
	OperationID string
	System      string
	Kind        ir.OperationKind
	Cause       error
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("system suspended: %s %s (operation %s): %v", e.System, e.Kind, e.OperationID, e.Cause)
}

func (e *BreakerOpenError) Unwrap() error { return e.Cause }

// IsBreakerOpen returns true if the error is a BreakerOpenError.
// Uses errors.As to handle wrapped errors.
func IsBreakerOpen(err error) bool {
	var be *BreakerOpenError
	return errors.As(err, &be)
}

// OperationError reports an operation archived as EXCEPTION after the
// connector failed.
type OperationError struct {
	OperationID string
	Code        ir.ResultCode
	Err         error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s: %s: %v", e.OperationID, e.Code, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
