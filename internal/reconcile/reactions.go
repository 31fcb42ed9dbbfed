package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/mapping"
	"github.com/roach88/provsync/internal/provisioning"
	"github.com/roach88/provsync/internal/store"
)

// Action names recorded in action logs.
const (
	ActionCreateAccount    = "create_account"
	ActionUpdateLocal      = "update_local"
	ActionUpdateRemote     = "update_remote"
	ActionDisableAccount   = "disable_account"
	ActionUnlinkAccount    = "unlink_account"
	ActionDeleteAccount    = "delete_account"
	ActionCreateRemote     = "create_remote"
	ActionDeleteRemote     = "delete_remote"
	ActionIdentityConflict = "identity_conflict"
)

// plan collects what one item does: logged actions and the local mutations
// that commit with the item log.
type plan struct {
	accountID string
	message   string
	actions   []ir.SyncActionLog
	local     []func(*store.Tx) error
	localAt   []int // indexes of actions backed by local mutations
}

func (p *plan) add(action string, outcome ir.Outcome, detail string) {
	p.actions = append(p.actions, ir.SyncActionLog{Action: action, Outcome: outcome, Detail: detail})
}

// remote records the outcome of an executor call.
func (p *plan) remote(action string, res provisioning.Result, err error) {
	if err != nil {
		p.add(action, ir.OutcomeFailure, err.Error())
		return
	}
	p.add(action, ir.OutcomeSuccess, "operation "+res.OperationID)
}

// mutate schedules a local mutation. Its action is logged as succeeded; if
// the mutation fails the whole item rolls back and is logged as failed.
func (p *plan) mutate(action, detail string, fn func(*store.Tx) error) {
	p.localAt = append(p.localAt, len(p.actions))
	p.add(action, ir.OutcomeSuccess, detail)
	p.local = append(p.local, fn)
}

func (p *plan) outcome() ir.Outcome {
	if len(p.actions) == 0 {
		return ir.OutcomeIgnored
	}
	for _, a := range p.actions {
		if a.Outcome == ir.OutcomeFailure {
			return ir.OutcomeFailure
		}
	}
	return ir.OutcomeSuccess
}

// reconcile classifies one item, applies the configured reaction and
// commits the result. It returns only run-fatal errors.
func (r *runner) reconcile(ctx context.Context, it item) error {
	// an item always completes once started
	ctx = context.WithoutCancel(ctx)

	if !it.deleted {
		r.seen[it.uid] = true
	}

	var acc *ir.Account
	found, err := r.e.store.FindAccount(ctx, r.cfg.SystemID, r.cfg.EntityType, it.uid)
	switch {
	case err == nil:
		acc = &found
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	if acc == nil && it.remote == nil {
		r.logger.Debug("deletion of unknown object ignored", "uid", it.uid)
		return nil
	}

	if it.orphan != "" {
		p := &plan{message: fmt.Sprintf("parent %s not found", it.orphan)}
		if acc != nil {
			p.accountID = acc.ID
		}
		return r.commit(ctx, it, ir.SituationUnresolvedParent, p)
	}

	var grants []ir.RoleGrant
	if acc != nil {
		if grants, err = r.e.store.GrantsForAccount(ctx, acc.ID); err != nil {
			return err
		}
	}

	cls, err := Classify(acc, it.remote, grants, r.mappings, r.cfg.Authoritative)
	if err != nil {
		// a mapping that cannot be evaluated fails the item, not the run
		p := &plan{message: err.Error()}
		p.add("classify", ir.OutcomeFailure, err.Error())
		if acc != nil {
			p.accountID = acc.ID
		}
		return r.commit(ctx, it, ir.SituationUpdateEntity, p)
	}

	p := &plan{}
	if acc != nil {
		p.accountID = acc.ID
	}
	switch cls.Situation {
	case ir.SituationCreateEntity:
		r.onCreateEntity(ctx, it, p)
	case ir.SituationUpdateEntity:
		r.onUpdateEntity(ctx, it, *acc, cls, p)
	case ir.SituationMissingEntity:
		r.onMissingEntity(ctx, *acc, grants, p)
	}
	return r.commit(ctx, it, cls.Situation, p)
}

func (r *runner) onCreateEntity(ctx context.Context, it item, p *plan) {
	switch r.cfg.Reactions.For(ir.SituationCreateEntity) {
	case ir.ReactionCreateAccount:
		attrs, err := mapping.ComputeInbound(it.remote.Attributes, r.mappings)
		if err != nil {
			p.add(ActionCreateAccount, ir.OutcomeFailure, err.Error())
			return
		}
		now := r.e.now()
		acc := ir.Account{
			ID:         r.e.ids.Generate(),
			SystemID:   r.cfg.SystemID,
			EntityType: r.cfg.EntityType,
			UID:        it.uid,
			Enabled:    true,
			Attributes: withoutNulls(attrs),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		p.accountID = acc.ID
		p.mutate(ActionCreateAccount, "", func(tx *store.Tx) error {
			return tx.CreateAccount(ctx, acc)
		})
	case ir.ReactionDeleteRemote:
		res, err := r.e.exec.Execute(ctx, r.request(it.uid, "", ir.OpDelete, nil))
		p.remote(ActionDeleteRemote, res, err)
	}
}

func (r *runner) onUpdateEntity(ctx context.Context, it item, acc ir.Account, cls Classification, p *plan) {
	if cls.Conflict != nil {
		p.message = cls.Conflict.Error()
		p.add(ActionIdentityConflict, ir.OutcomeFailure, cls.Conflict.Error())
		return
	}
	if r.cfg.Reactions.For(ir.SituationUpdateEntity) != ir.ReactionApply {
		return
	}

	attrs := acc.Attributes.Clone()
	if attrs == nil {
		attrs = ir.Attrs{}
	}
	payload := ir.Attrs{}
	var localNames, remoteNames []string
	for _, d := range cls.Diffs {
		if d.Correction == ir.SideLocal {
			if _, isNull := d.Value.(ir.Null); isNull || d.Value == nil {
				delete(attrs, d.InternalAttr)
			} else {
				attrs[d.InternalAttr] = d.Value
			}
			localNames = append(localNames, d.InternalAttr)
			continue
		}
		payload[d.RemoteAttr] = d.Value
		remoteNames = append(remoteNames, d.RemoteAttr)
	}

	if len(remoteNames) > 0 {
		res, err := r.e.exec.Execute(ctx, r.request(it.uid, acc.ID, ir.OpUpdate, payload))
		p.remote(ActionUpdateRemote, res, err)
	}
	if len(localNames) > 0 {
		now := r.e.now()
		p.mutate(ActionUpdateLocal, strings.Join(localNames, ","), func(tx *store.Tx) error {
			return tx.UpdateAccountAttributes(ctx, acc.ID, attrs, now)
		})
	}
}

func (r *runner) onMissingEntity(ctx context.Context, acc ir.Account, grants []ir.RoleGrant, p *plan) {
	switch r.cfg.Reactions.For(ir.SituationMissingEntity) {
	case ir.ReactionDisable:
		now := r.e.now()
		p.mutate(ActionDisableAccount, "", func(tx *store.Tx) error {
			return tx.SetAccountEnabled(ctx, acc.ID, false, now)
		})
	case ir.ReactionUnlink:
		p.mutate(ActionUnlinkAccount, "", func(tx *store.Tx) error {
			_, err := tx.UnlinkAccount(ctx, acc.ID)
			return err
		})
	case ir.ReactionDeleteAccount:
		p.mutate(ActionDeleteAccount, "", func(tx *store.Tx) error {
			return tx.DeleteAccount(ctx, acc.ID)
		})
	case ir.ReactionCreateRemote:
		payload, err := mapping.ComputeOutbound(acc, grants, r.mappings)
		if err != nil {
			p.add(ActionCreateRemote, ir.OutcomeFailure, err.Error())
			return
		}
		res, err := r.e.exec.Execute(ctx, r.request(acc.UID, acc.ID, ir.OpCreate, payload))
		p.remote(ActionCreateRemote, res, err)
	}
}

func (r *runner) request(uid, accountID string, kind ir.OperationKind, payload ir.Attrs) provisioning.Request {
	return provisioning.Request{
		SystemID:   r.cfg.SystemID,
		EntityType: r.cfg.EntityType,
		UID:        uid,
		AccountID:  accountID,
		Kind:       kind,
		Payload:    payload,
		Actor:      "sync:" + r.cfg.Name,
	}
}

// commit writes the item's local mutations and logs in one transaction. A
// failed transaction is logged as a failed item instead.
func (r *runner) commit(ctx context.Context, it item, sit ir.Situation, p *plan) error {
	r.seq++
	entry := ir.SyncItemLog{
		ID:        r.e.ids.Generate(),
		LogID:     r.info.ID,
		Seq:       r.seq,
		RemoteUID: it.uid,
		AccountID: p.accountID,
		Situation: sit,
		Outcome:   p.outcome(),
		Message:   p.message,
		CreatedAt: r.e.now(),
	}
	for _, a := range p.actions {
		a.ID = r.e.ids.Generate()
		a.ItemID = entry.ID
		a.LogID = r.info.ID
		entry.Actions = append(entry.Actions, a)
	}

	err := r.e.store.InTx(ctx, func(tx *store.Tx) error {
		for _, fn := range p.local {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return tx.WriteItemLog(ctx, entry)
	})
	if err != nil {
		r.logger.Warn("item rolled back", "uid", it.uid, "situation", sit, "error", err)
		entry.Outcome = ir.OutcomeFailure
		entry.Message = err.Error()
		entry.AccountID = ""
		for _, i := range p.localAt {
			entry.Actions[i].Outcome = ir.OutcomeFailure
			entry.Actions[i].Detail = "rolled back: " + err.Error()
		}
		if err := r.e.store.WriteItemLog(ctx, entry); err != nil {
			return fmt.Errorf("item %s: %w", it.uid, err)
		}
	}

	if entry.Outcome == ir.OutcomeFailure {
		r.failures++
	}
	r.logger.Debug("item reconciled",
		"uid", it.uid,
		"situation", sit,
		"outcome", entry.Outcome,
		"actions", len(entry.Actions),
	)
	return nil
}

func withoutNulls(attrs ir.Attrs) ir.Attrs {
	out := ir.Attrs{}
	for k, v := range attrs {
		if _, null := v.(ir.Null); null || v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
