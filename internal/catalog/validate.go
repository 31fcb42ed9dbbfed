package catalog

import (
	"fmt"
	"slices"

	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/mapping"
	"github.com/roach88/provsync/internal/notify"
)

// Validation error codes (E200-E299)
const (
	ErrUnknownSystem     = "E201" // reference to an undeclared system
	ErrUIDMapping        = "E202" // not exactly one UID mapping per entity type
	ErrUnknownTransform  = "E203" // transform name is not defined
	ErrDuplicateMapping  = "E204" // remote attribute mapped twice
	ErrMissingParentAttr = "E205" // hierarchical sync without parent_attr
	ErrUnmappedSync      = "E206" // sync target has no mappings
	ErrDuplicateBreaker  = "E207" // two breakers for one (system, kind)
	ErrUnknownRole       = "E208" // account references an undeclared role
	ErrRoleNotGranted    = "E209" // role grants nothing on the account's target
	ErrBadRecipient      = "E210" // recipient target cannot be used
	ErrDuplicateAccount  = "E211" // two accounts with one (system, entity type, uid)
	ErrAccountNoIdentity = "E212" // account has roles but no identity
	ErrUIDNotInbound     = "E213" // UID mapping cannot be read back
)

// ValidationError is one cross-reference problem in a catalog.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks the references a schema cannot express. It returns every
// problem found, in catalog order.
func Validate(c *Catalog) []ValidationError {
	var errs []ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	systems := make(map[string]bool, len(c.Systems))
	for _, s := range c.Systems {
		systems[s.ID] = true
	}

	for _, rs := range c.RoleSystems {
		if !systems[rs.SystemID] {
			add(ErrUnknownSystem, "roles."+rs.RoleID, "grants on unknown system %q", rs.SystemID)
		}
	}
	for _, a := range c.RoleSystemAttributes {
		if !mapping.KnownTransform(a.Transform) {
			add(ErrUnknownTransform, "roles."+a.RoleSystemID, "unknown transform %q on %s", a.Transform, a.RemoteAttr)
		}
	}

	type target struct{ system, entityType string }
	uids := make(map[target]int)
	mapped := make(map[target]bool)
	remotes := make(map[string]bool)
	for _, m := range c.Mappings {
		field := fmt.Sprintf("mappings.%s.%s.%s", m.SystemID, m.EntityType, m.RemoteAttr)
		t := target{m.SystemID, m.EntityType}
		mapped[t] = true
		if !systems[m.SystemID] {
			add(ErrUnknownSystem, field, "unknown system %q", m.SystemID)
		}
		if !mapping.KnownTransform(m.Transform) {
			add(ErrUnknownTransform, field, "unknown transform %q", m.Transform)
		}
		if remotes[m.ID] {
			add(ErrDuplicateMapping, field, "remote attribute mapped more than once")
		}
		remotes[m.ID] = true
		if m.UID {
			uids[t]++
			if !m.Direction.Inbound() {
				add(ErrUIDNotInbound, field, "UID mapping must be inbound or both")
			}
		}
	}
	reported := make(map[target]bool)
	for _, m := range c.Mappings {
		t := target{m.SystemID, m.EntityType}
		if reported[t] {
			continue
		}
		reported[t] = true
		if n := uids[t]; n != 1 {
			add(ErrUIDMapping, fmt.Sprintf("mappings.%s.%s", m.SystemID, m.EntityType),
				"want exactly one UID mapping, have %d", n)
		}
	}

	breakers := make(map[string]bool)
	for i, b := range c.BreakConfigs {
		field := fmt.Sprintf("breakers[%d]", i)
		if !systems[b.SystemID] {
			add(ErrUnknownSystem, field, "unknown system %q", b.SystemID)
		}
		if breakers[b.ID] {
			add(ErrDuplicateBreaker, field, "duplicate breaker for %s", b.ID)
		}
		breakers[b.ID] = true
		for j, r := range b.Recipients {
			if r.Kind != notify.KindAMQP {
				continue
			}
			if _, _, err := notify.ParseTarget(r.Target, b.SystemID); err != nil {
				add(ErrBadRecipient, fmt.Sprintf("%s.recipients[%d]", field, j), "%v", err)
			}
		}
	}

	for _, s := range c.SyncConfigs {
		field := "syncs." + s.Name
		if !systems[s.SystemID] {
			add(ErrUnknownSystem, field, "unknown system %q", s.SystemID)
		}
		if s.Hierarchical && s.ParentAttr == "" {
			add(ErrMissingParentAttr, field, "hierarchical sync needs parent_attr")
		}
		if !mapped[target{s.SystemID, s.EntityType}] {
			add(ErrUnmappedSync, field, "no mappings for %s/%s", s.SystemID, s.EntityType)
		}
	}

	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		roles[r.ID] = true
	}
	grants := make(map[string]bool, len(c.RoleSystems))
	for _, rs := range c.RoleSystems {
		grants[rs.ID] = true
	}
	accounts := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		if !systems[a.Account.SystemID] {
			add(ErrUnknownSystem, field, "unknown system %q", a.Account.SystemID)
		}
		if accounts[a.Account.ID] {
			add(ErrDuplicateAccount, field, "duplicate account %s", a.Account.ID)
		}
		accounts[a.Account.ID] = true
		if len(a.Roles) > 0 && a.IdentityID == "" {
			add(ErrAccountNoIdentity, field, "roles need an identity")
		}
		for _, role := range a.Roles {
			switch {
			case !roles[role]:
				add(ErrUnknownRole, field, "unknown role %q", role)
			case !grants[RoleSystemID(role, a.Account.SystemID, a.Account.EntityType)]:
				add(ErrRoleNotGranted, field, "role %q grants nothing on %s/%s", role, a.Account.SystemID, a.Account.EntityType)
			}
		}
	}
	return errs
}

// reactionsValid reports whether every configured reaction is allowed for
// its situation. The schema enforces this for catalogs; Apply rechecks
// configs built in code.
func reactionsValid(r ir.Reactions) error {
	check := func(s ir.Situation, got ir.Reaction) error {
		if got == "" || slices.Contains(ir.ValidReactions[s], got) {
			return nil
		}
		return fmt.Errorf("reaction %q not valid for %s", got, s)
	}
	for _, pair := range []struct {
		s ir.Situation
		r ir.Reaction
	}{
		{ir.SituationCreateEntity, r.CreateEntity},
		{ir.SituationUpdateEntity, r.UpdateEntity},
		{ir.SituationMissingEntity, r.MissingEntity},
	} {
		if err := check(pair.s, pair.r); err != nil {
			return err
		}
	}
	return nil
}
