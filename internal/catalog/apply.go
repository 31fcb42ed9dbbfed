package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/store"
)

// InvalidError carries every validation problem of a rejected catalog.
type InvalidError struct {
	Errors []ValidationError
}

func (e *InvalidError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("invalid catalog (%d problem(s)): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Result counts the records Apply wrote.
type Result struct {
	Systems         int `json:"systems"`
	Roles           int `json:"roles"`
	RoleSystems     int `json:"role_systems"`
	Attributes      int `json:"role_system_attributes"`
	Mappings        int `json:"mappings"`
	BreakConfigs    int `json:"break_configs"`
	SyncConfigs     int `json:"sync_configs"`
	AccountsCreated int `json:"accounts_created"`
	AccountsUpdated int `json:"accounts_updated"`
}

// Apply validates c and upserts it into st. Records are written one by one
// in dependency order; every write is idempotent, so a failed apply is
// repaired by applying again. Seed accounts that already exist keep their
// ID and get their attributes and enabled flag replaced.
func Apply(ctx context.Context, st *store.Store, c *Catalog, now time.Time) (Result, error) {
	if errs := Validate(c); len(errs) > 0 {
		return Result{}, &InvalidError{Errors: errs}
	}
	for _, s := range c.SyncConfigs {
		if err := reactionsValid(s.Reactions); err != nil {
			return Result{}, fmt.Errorf("sync %s: %w", s.Name, err)
		}
	}

	var res Result
	for _, s := range c.Systems {
		if err := st.PutSystem(ctx, s); err != nil {
			return res, err
		}
		res.Systems++
	}
	for _, r := range c.Roles {
		if err := st.PutRole(ctx, r); err != nil {
			return res, err
		}
		res.Roles++
	}
	for _, rs := range c.RoleSystems {
		if err := st.PutRoleSystem(ctx, rs); err != nil {
			return res, err
		}
		res.RoleSystems++
	}
	for _, a := range c.RoleSystemAttributes {
		if err := st.PutRoleSystemAttribute(ctx, a); err != nil {
			return res, err
		}
		res.Attributes++
	}
	for _, m := range c.Mappings {
		if err := st.PutMapping(ctx, m); err != nil {
			return res, err
		}
		res.Mappings++
	}
	for _, b := range c.BreakConfigs {
		if err := st.PutBreakConfig(ctx, b); err != nil {
			return res, err
		}
		res.BreakConfigs++
	}
	for _, s := range c.SyncConfigs {
		if err := st.PutSyncConfig(ctx, s); err != nil {
			return res, err
		}
		res.SyncConfigs++
	}
	for _, a := range c.Accounts {
		created, err := applyAccount(ctx, st, a, now)
		if err != nil {
			return res, err
		}
		if created {
			res.AccountsCreated++
		} else {
			res.AccountsUpdated++
		}
	}
	return res, nil
}

func applyAccount(ctx context.Context, st *store.Store, a Account, now time.Time) (created bool, err error) {
	acc := a.Account
	existing, err := st.FindAccount(ctx, acc.SystemID, acc.EntityType, acc.UID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acc.CreatedAt, acc.UpdatedAt = now, now
		if err := st.CreateAccount(ctx, acc); err != nil {
			return false, fmt.Errorf("account %s: %w", acc.ID, err)
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("account %s: %w", acc.ID, err)
	default:
		acc.ID = existing.ID
		if err := st.UpdateAccountAttributes(ctx, acc.ID, acc.Attributes, now); err != nil {
			return false, fmt.Errorf("account %s: %w", acc.ID, err)
		}
		if existing.Enabled != acc.Enabled {
			if err := st.SetAccountEnabled(ctx, acc.ID, acc.Enabled, now); err != nil {
				return false, fmt.Errorf("account %s: %w", acc.ID, err)
			}
		}
	}

	if a.IdentityID == "" {
		return created, nil
	}
	links := []ir.IdentityAccount{{ID: acc.ID + "|" + a.IdentityID, IdentityID: a.IdentityID, AccountID: acc.ID}}
	if len(a.Roles) > 0 {
		links = links[:0]
		for _, role := range a.Roles {
			rs := RoleSystemID(role, acc.SystemID, acc.EntityType)
			links = append(links, ir.IdentityAccount{
				ID:           acc.ID + "|" + rs,
				IdentityID:   a.IdentityID,
				AccountID:    acc.ID,
				RoleSystemID: rs,
			})
		}
	}
	for _, l := range links {
		if err := st.LinkIdentity(ctx, l); err != nil {
			return created, fmt.Errorf("account %s: %w", acc.ID, err)
		}
	}
	return created, nil
}
