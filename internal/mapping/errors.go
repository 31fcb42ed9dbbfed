package mapping

import (
	"errors"
	"fmt"

	"github.com/roach88/provsync/internal/ir"
)

// IdentityConflictError reports a remote object whose UID-forming attribute
// disagrees with the matched account.
type IdentityConflictError struct {
	AccountID  string
	UID        string
	RemoteAttr string
	Local      ir.Value
	Remote     ir.Value
}

// Error implements the error interface.
func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("account identity conflict on %s (account=%s, uid=%s): local %s, remote %s",
		e.RemoteAttr, e.AccountID, e.UID, ir.AsString(e.Local), ir.AsString(e.Remote))
}

// IsIdentityConflict returns true if err is an identity conflict.
// Uses errors.As to handle wrapped errors.
func IsIdentityConflict(err error) bool {
	var ice *IdentityConflictError
	return errors.As(err, &ice)
}
