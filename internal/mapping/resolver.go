package mapping

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/provsync/internal/ir"
)

// AttributeDiff is one attribute that differs between an account and its
// remote object, with the side that must be corrected.
type AttributeDiff struct {
	RemoteAttr   string
	InternalAttr string // empty for role-granted attributes without a mapping

	// Local is the account's value in remote form; Remote is the remote
	// object's value.
	Local  ir.Value
	Remote ir.Value

	// Correction is the side that changes. Value is what it changes to:
	// an internal value for SideLocal, a remote value for SideRemote.
	Correction ir.Side
	Value      ir.Value
}

// ComputeOutbound returns the remote attribute values an account should
// have: outbound mappings over its internal attributes, then role-system
// attribute overrides.
func ComputeOutbound(account ir.Account, grants []ir.RoleGrant, mappings []ir.AttributeMapping) (ir.Attrs, error) {
	out := ir.Attrs{}
	for _, m := range mappings {
		if !m.Direction.Outbound() {
			continue
		}
		v, ok := account.Attributes[m.InternalAttr]
		if !ok && m.UID {
			v, ok = ir.Str(account.UID), true
		}
		if !ok {
			if m.ClearWhenAbsent {
				out[m.RemoteAttr] = ir.Null{}
			}
			continue
		}
		tv, err := Transform(m.Transform, v)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", m.RemoteAttr, err)
		}
		out[m.RemoteAttr] = tv
	}

	for attr, g := range winningGrants(grants) {
		tv, err := Transform(g.Attribute.Transform, g.Attribute.Value)
		if err != nil {
			return nil, fmt.Errorf("role attribute %s: %w", g.Attribute.ID, err)
		}
		out[attr] = tv
	}
	return out, nil
}

// winningGrants picks one grant per remote attribute using the documented
// precedence order.
func winningGrants(grants []ir.RoleGrant) map[string]ir.RoleGrant {
	winners := make(map[string]ir.RoleGrant)
	for _, g := range grants {
		attr := g.Attribute.RemoteAttr
		if cur, ok := winners[attr]; !ok || compareGrants(g, cur) < 0 {
			winners[attr] = g
		}
	}
	return winners
}

// compareGrants orders a before b when a takes precedence.
func compareGrants(a, b ir.RoleGrant) int {
	if c := cmp.Compare(b.Attribute.Priority, a.Attribute.Priority); c != 0 {
		return c
	}
	if c := cmp.Compare(b.RolePriority, a.RolePriority); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Attribute.Seq, b.Attribute.Seq); c != 0 {
		return c
	}
	return cmp.Compare(a.Attribute.ID, b.Attribute.ID)
}

// ComputeInbound returns the internal attribute values a remote object
// implies. Absent remote attributes are omitted, or set to ir.Null when the
// mapping clears on absence.
func ComputeInbound(remote ir.Attrs, mappings []ir.AttributeMapping) (ir.Attrs, error) {
	out := ir.Attrs{}
	for _, m := range mappings {
		if !m.Direction.Inbound() {
			continue
		}
		v, ok, err := inboundValue(remote, m)
		if err != nil {
			return nil, err
		}
		if ok {
			out[m.InternalAttr] = v
		}
	}
	return out, nil
}

func inboundValue(remote ir.Attrs, m ir.AttributeMapping) (ir.Value, bool, error) {
	v, present := remote[m.RemoteAttr]
	if !present {
		if m.ClearWhenAbsent {
			return ir.Null{}, true, nil
		}
		return nil, false, nil
	}
	tv, err := Transform(m.Transform, v)
	if err != nil {
		return nil, false, fmt.Errorf("mapping %s: %w", m.RemoteAttr, err)
	}
	return tv, true, nil
}

// CheckIdentity verifies that every UID-forming attribute the remote object
// reports agrees with the account.
func CheckIdentity(account ir.Account, remote ir.Attrs, mappings []ir.AttributeMapping) error {
	for _, m := range mappings {
		if !m.UID {
			continue
		}
		rv, present := remote[m.RemoteAttr]
		if !present {
			continue
		}
		lv, ok := account.Attributes[m.InternalAttr]
		if !ok {
			lv = ir.Str(account.UID)
		}
		tl, err := Transform(m.Transform, lv)
		if err != nil {
			return fmt.Errorf("mapping %s: %w", m.RemoteAttr, err)
		}
		tr, err := Transform(m.Transform, rv)
		if err != nil {
			return fmt.Errorf("mapping %s: %w", m.RemoteAttr, err)
		}
		if !ir.Equal(tl, tr) {
			return &IdentityConflictError{
				AccountID:  account.ID,
				UID:        account.UID,
				RemoteAttr: m.RemoteAttr,
				Local:      lv,
				Remote:     rv,
			}
		}
	}
	return nil
}

// Diff compares an account with its remote object and returns the
// differing attributes in remote-attribute order. UID-forming attributes are
// left to CheckIdentity.
//
// Inbound-only mappings correct the local side and outbound-only mappings
// correct the remote side. Mappings in both directions correct whichever
// side is not authoritative. Role-granted attributes without a mapping are
// outbound.
func Diff(account ir.Account, grants []ir.RoleGrant, remote ir.Attrs, mappings []ir.AttributeMapping, authoritative ir.Side) ([]AttributeDiff, error) {
	outbound, err := ComputeOutbound(account, grants, mappings)
	if err != nil {
		return nil, err
	}

	var diffs []AttributeDiff
	mapped := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mapped[m.RemoteAttr] = true
		if m.UID {
			continue
		}
		d, ok, err := diffMapping(account, outbound, remote, m, authoritative)
		if err != nil {
			return nil, err
		}
		if ok {
			diffs = append(diffs, d)
		}
	}

	for attr, want := range outbound {
		if mapped[attr] || ir.Equal(want, remote[attr]) {
			continue
		}
		diffs = append(diffs, AttributeDiff{
			RemoteAttr: attr,
			Local:      want,
			Remote:     remote[attr],
			Correction: ir.SideRemote,
			Value:      want,
		})
	}

	slices.SortFunc(diffs, func(a, b AttributeDiff) int { return cmp.Compare(a.RemoteAttr, b.RemoteAttr) })
	return diffs, nil
}

func diffMapping(account ir.Account, outbound, remote ir.Attrs, m ir.AttributeMapping, authoritative ir.Side) (AttributeDiff, bool, error) {
	base := AttributeDiff{RemoteAttr: m.RemoteAttr, InternalAttr: m.InternalAttr, Remote: remote[m.RemoteAttr]}

	correctLocal := func() (AttributeDiff, bool, error) {
		want, ok, err := inboundValue(remote, m)
		if err != nil || !ok {
			return AttributeDiff{}, false, err
		}
		if ir.Equal(want, account.Attributes[m.InternalAttr]) {
			return AttributeDiff{}, false, nil
		}
		base.Local = account.Attributes[m.InternalAttr]
		base.Correction = ir.SideLocal
		base.Value = want
		return base, true, nil
	}
	correctRemote := func() (AttributeDiff, bool, error) {
		want, ok := outbound[m.RemoteAttr]
		if !ok || ir.Equal(want, remote[m.RemoteAttr]) {
			return AttributeDiff{}, false, nil
		}
		base.Local = want
		base.Correction = ir.SideRemote
		base.Value = want
		return base, true, nil
	}

	switch m.Direction {
	case ir.DirectionInbound:
		return correctLocal()
	case ir.DirectionOutbound:
		return correctRemote()
	default:
		if authoritative == ir.SideRemote {
			return correctLocal()
		}
		return correctRemote()
	}
}
