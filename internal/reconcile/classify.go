package reconcile

import (
	"errors"

	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/mapping"
)

// ErrNothingToClassify is returned by Classify when neither side exists.
var ErrNothingToClassify = errors.New("neither local nor remote object given")

// Classification is the verdict for one (local, remote) pair.
type Classification struct {
	Situation ir.Situation
	Diffs     []mapping.AttributeDiff
	Conflict  *mapping.IdentityConflictError
}

// Classify decides the situation of one pair without side effects:
//
//   - remote only: CREATE_ENTITY
//   - local only (the remote was deleted or not seen): MISSING_ENTITY
//   - both, identity attributes disagree: UPDATE_ENTITY with Conflict set
//   - both, no differences: UNCHANGED
//   - both, differences: UPDATE_ENTITY with the attribute diffs
func Classify(local *ir.Account, remote *connector.RemoteObject, grants []ir.RoleGrant, mappings []ir.AttributeMapping, authoritative ir.Side) (Classification, error) {
	switch {
	case local == nil && remote == nil:
		return Classification{}, ErrNothingToClassify
	case local == nil:
		return Classification{Situation: ir.SituationCreateEntity}, nil
	case remote == nil:
		return Classification{Situation: ir.SituationMissingEntity}, nil
	}

	if err := mapping.CheckIdentity(*local, remote.Attributes, mappings); err != nil {
		var conflict *mapping.IdentityConflictError
		if errors.As(err, &conflict) {
			return Classification{Situation: ir.SituationUpdateEntity, Conflict: conflict}, nil
		}
		return Classification{}, err
	}

	diffs, err := mapping.Diff(*local, grants, remote.Attributes, mappings, authoritative)
	if err != nil {
		return Classification{}, err
	}
	if len(diffs) == 0 {
		return Classification{Situation: ir.SituationUnchanged}, nil
	}
	return Classification{Situation: ir.SituationUpdateEntity, Diffs: diffs}, nil
}
