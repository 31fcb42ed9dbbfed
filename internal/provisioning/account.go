package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/mapping"
	"github.com/roach88/provsync/internal/store"
)

// ProvisionAccount pushes the outbound state of a local account to its
// system: attribute mappings plus role grants, resolved by the mapping
// resolver. kind is CREATE or UPDATE; an empty kind picks CREATE when the
// remote object does not exist yet.
func (e *Executor) ProvisionAccount(ctx context.Context, accountID string, kind ir.OperationKind, actor string) (Result, error) {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("provision account: %w", err)
	}
	grants, err := e.store.GrantsForAccount(ctx, acc.ID)
	if err != nil {
		return Result{}, fmt.Errorf("provision account: %w", err)
	}
	mappings, err := e.store.ListMappings(ctx, acc.SystemID, acc.EntityType)
	if err != nil {
		return Result{}, fmt.Errorf("provision account: %w", err)
	}
	payload, err := mapping.ComputeOutbound(acc, grants, mappings)
	if err != nil {
		return Result{}, fmt.Errorf("provision account %s: %w", acc.ID, err)
	}

	if kind == "" {
		kind, err = e.detectKind(ctx, acc)
		if err != nil {
			return Result{}, fmt.Errorf("provision account %s: %w", acc.ID, err)
		}
	}
	if kind == ir.OpDelete {
		return Result{}, fmt.Errorf("%w: use DeleteAccount to remove accounts", ErrInvalidRequest)
	}

	return e.Execute(ctx, Request{
		SystemID:   acc.SystemID,
		EntityType: acc.EntityType,
		UID:        acc.UID,
		AccountID:  acc.ID,
		Kind:       kind,
		Payload:    payload,
		Actor:      actor,
	})
}

func (e *Executor) detectKind(ctx context.Context, acc ir.Account) (ir.OperationKind, error) {
	c, err := e.connectors.Get(acc.SystemID)
	if err != nil {
		return "", err
	}
	_, err = c.Read(ctx, connector.Target{SystemID: acc.SystemID, EntityType: acc.EntityType}, acc.UID)
	switch {
	case errors.Is(err, connector.ErrNotFound):
		return ir.OpCreate, nil
	case err != nil:
		return "", err
	}
	return ir.OpUpdate, nil
}

// DeleteAccount removes a local account and its remote object. The DELETE
// operation is persisted first, then the account and its identity links are
// removed, then the operation is dispatched. A crash between the steps is
// finished by Recover.
func (e *Executor) DeleteAccount(ctx context.Context, accountID, actor string) (Result, error) {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("delete account: %w", err)
	}
	opID, merged, err := e.submit(ctx, Request{
		SystemID:   acc.SystemID,
		EntityType: acc.EntityType,
		UID:        acc.UID,
		AccountID:  acc.ID,
		Kind:       ir.OpDelete,
		Actor:      actor,
	})
	if err != nil {
		return Result{}, fmt.Errorf("delete account %s: %w", acc.ID, err)
	}
	if err := e.store.DeleteAccount(ctx, acc.ID); err != nil {
		return Result{OperationID: opID}, fmt.Errorf("delete account %s: %w", acc.ID, err)
	}
	e.logger.Info("account deleted",
		"event", "account_deleted",
		"account", acc.ID,
		"system", acc.SystemID,
		"uid", acc.UID,
		"operation", opID,
	)
	res, err := e.process(ctx, opID)
	res.Merged = merged
	return res, err
}

// Recover finishes every operation left pending by a previous process, in
// sequence order:
//
//   - EXECUTED or EXCEPTION operations only lack their archive record and
//     are archived as they are;
//   - DELETE operations whose account still exists first remove it;
//   - everything else is dispatched again.
//
// It returns the number of operations finished. Failures of individual
// operations are archived and do not stop recovery.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	pending, err := e.store.ListPendingOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	if len(pending) > 0 {
		e.logger.Info("recovering pending operations", "event", "recover_started", "count", len(pending))
	}

	done := 0
	for _, op := range pending {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		switch op.State {
		case ir.StateExecuted, ir.StateException:
			code := ir.ResultOK
			if op.State == ir.StateException {
				code = ir.ResultConnectorUnavailable
			}
			if _, err := e.finish(ctx, op, op.State, code, "recovered", nil); err != nil {
				return done, fmt.Errorf("recover: %w", err)
			}
			done++
			continue
		}

		if op.Kind == ir.OpDelete && op.AccountID != "" {
			_, err := e.store.GetAccount(ctx, op.AccountID)
			switch {
			case err == nil:
				if err := e.store.DeleteAccount(ctx, op.AccountID); err != nil {
					return done, fmt.Errorf("recover: %w", err)
				}
				e.logger.Info("finished interrupted account deletion",
					"event", "account_deleted",
					"account", op.AccountID,
					"operation", op.ID,
				)
			case !errors.Is(err, store.ErrNotFound):
				return done, fmt.Errorf("recover: %w", err)
			}
		}

		_, err := e.process(ctx, op.ID)
		if err != nil && !isOutcome(err) {
			return done, fmt.Errorf("recover %s: %w", op.ID, err)
		}
		done++
	}
	return done, nil
}

// isOutcome reports whether err describes an archived result rather than
// a failure to process.
func isOutcome(err error) bool {
	var oe *OperationError
	return IsBreakerOpen(err) || errors.As(err, &oe)
}
