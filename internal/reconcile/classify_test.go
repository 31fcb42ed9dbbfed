package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
)

func TestClassify(t *testing.T) {
	mappings := []ir.AttributeMapping{
		{RemoteAttr: "uid", InternalAttr: "login", Direction: ir.DirectionBoth, UID: true},
		{RemoteAttr: "cn", InternalAttr: "name", Direction: ir.DirectionBoth},
	}
	local := &ir.Account{ID: "acc-1", UID: "ada", Attributes: ir.Attrs{"login": ir.Str("ada"), "name": ir.Str("Ada")}}
	remote := func(uid, cn string) *connector.RemoteObject {
		return &connector.RemoteObject{UID: "ada", Attributes: ir.Attrs{"uid": ir.Str(uid), "cn": ir.Str(cn)}}
	}

	tests := []struct {
		name     string
		local    *ir.Account
		remote   *connector.RemoteObject
		want     ir.Situation
		diffs    int
		conflict bool
	}{
		{"remote only", nil, remote("ada", "Ada"), ir.SituationCreateEntity, 0, false},
		{"local only", local, nil, ir.SituationMissingEntity, 0, false},
		{"in sync", local, remote("ada", "Ada"), ir.SituationUnchanged, 0, false},
		{"attribute drift", local, remote("ada", "Ada L"), ir.SituationUpdateEntity, 1, false},
		{"identity conflict", local, remote("eve", "Ada"), ir.SituationUpdateEntity, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.local, tt.remote, nil, mappings, ir.SideRemote)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Situation)
			assert.Len(t, got.Diffs, tt.diffs)
			assert.Equal(t, tt.conflict, got.Conflict != nil)
		})
	}
}

func TestClassifyNeedsOneSide(t *testing.T) {
	_, err := Classify(nil, nil, nil, nil, ir.SideLocal)
	assert.ErrorIs(t, err, ErrNothingToClassify)
}

func TestClassifyCountsRoleGrants(t *testing.T) {
	local := &ir.Account{ID: "acc-1", UID: "ada", Attributes: ir.Attrs{}}
	grants := []ir.RoleGrant{{
		RoleID:    "r-staff",
		Attribute: ir.RoleSystemAttribute{ID: "rsa-1", RemoteAttr: "group", Value: ir.Str("staff")},
	}}
	got, err := Classify(local, &connector.RemoteObject{UID: "ada", Attributes: ir.Attrs{}}, grants, nil, ir.SideLocal)
	require.NoError(t, err)
	assert.Equal(t, ir.SituationUpdateEntity, got.Situation)
	require.Len(t, got.Diffs, 1)
	assert.Equal(t, ir.SideRemote, got.Diffs[0].Correction)
}
