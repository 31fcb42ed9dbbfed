package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/mapping"
	"github.com/roach88/provsync/internal/store"
	"github.com/roach88/provsync/internal/tree"
)

// item is one remote entry of a pass. remote is nil for delta deletions.
type item struct {
	uid     string
	remote  *connector.RemoteObject
	deleted bool
	orphan  string // unresolved parent reference
}

// runner holds the state of one run.
type runner struct {
	e        *Engine
	cfg      ir.SyncConfig
	info     Run
	conn     connector.Connector
	delta    connector.DeltaFetcher
	target   connector.Target
	mappings []ir.AttributeMapping
	mode     ir.SyncMode
	token    string
	logger   *slog.Logger

	nextToken *string
	seq       int64
	seen      map[string]bool
	failures  int
}

// prepare resolves everything a run needs and opens its log.
func (e *Engine) prepare(ctx context.Context, cfg ir.SyncConfig, info Run) (*runner, error) {
	conn, err := e.connectors.Get(cfg.SystemID)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", cfg.Name, err)
	}
	mappings, err := e.store.ListMappings(ctx, cfg.SystemID, cfg.EntityType)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", cfg.Name, err)
	}

	r := &runner{
		e:        e,
		cfg:      cfg,
		info:     info,
		conn:     conn,
		target:   connector.Target{SystemID: cfg.SystemID, EntityType: cfg.EntityType},
		mappings: mappings,
		mode:     ir.ModeFull,
		seen:     make(map[string]bool),
		logger:   e.logger.With("run", info.ID, "system", cfg.SystemID, "entity_type", cfg.EntityType),
	}
	if d, ok := connector.AsDeltaFetcher(conn); ok {
		r.delta = d
		token, stored, err := e.store.GetSyncToken(ctx, cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("sync %s: %w", cfg.Name, err)
		}
		if stored || cfg.Delta {
			r.mode = ir.ModeDelta
			r.token = token
		}
	}

	err = e.store.CreateSyncLog(ctx, ir.SyncLog{
		ID:         info.ID,
		ConfigID:   cfg.ID,
		SystemID:   cfg.SystemID,
		EntityType: cfg.EntityType,
		Mode:       r.mode,
		State:      ir.RunRunning,
		StartedAt:  info.StartedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", cfg.Name, err)
	}
	return r, nil
}

// execute performs the passes and closes the log.
func (r *runner) execute(ctx context.Context) (ir.SyncLog, error) {
	r.logger.Info("sync run started", "event", "sync_run_started", "config", r.cfg.Name, "mode", r.mode)

	fatal := r.pass(ctx)

	closing := store.CloseRun{ID: r.info.ID, EndedAt: r.e.now()}
	switch {
	case ctx.Err() != nil:
		closing.State = ir.RunCancelled
		closing.Error = "cancelled"
		fatal = nil
	case fatal != nil:
		closing.State = ir.RunFinishedWithError
		closing.Error = fatal.Error()
	case r.failures > 0:
		closing.State = ir.RunFinishedWithError
		closing.Error = fmt.Sprintf("%d item(s) failed", r.failures)
	default:
		closing.State = ir.RunFinished
		closing.Token = r.nextToken
	}

	summary, err := r.e.store.CloseSyncLog(context.WithoutCancel(ctx), closing)
	if err != nil {
		return ir.SyncLog{}, errors.Join(fatal, err)
	}

	level := slog.LevelInfo
	if closing.State != ir.RunFinished {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "sync run finished",
		"event", "sync_run_finished",
		"state", closing.State,
		"items", summary.Items,
		"failures", r.failures,
		"error", closing.Error,
	)

	return ir.SyncLog{
		ID:         r.info.ID,
		ConfigID:   r.cfg.ID,
		SystemID:   r.cfg.SystemID,
		EntityType: r.cfg.EntityType,
		Mode:       r.mode,
		State:      closing.State,
		StartedAt:  r.info.StartedAt,
		EndedAt:    closing.EndedAt,
		Error:      closing.Error,
		Summary:    summary,
	}, fatal
}

// pass streams the remote side and reconciles every item. It returns only
// run-fatal errors.
func (r *runner) pass(ctx context.Context) error {
	var agg *tree.Aggregator
	if r.cfg.Hierarchical {
		agg = tree.NewAggregator(r.cfg.ParentAttr)
	}

	if r.mode == ir.ModeDelta {
		next, err := r.delta.FetchDelta(ctx, r.target, r.token, func(c connector.Change) (bool, error) {
			it := item{uid: c.Object.UID, deleted: c.Kind == connector.ChangeDelete}
			if !it.deleted {
				obj := c.Object
				it.remote = &obj
			}
			in, err := r.changeInScope(ctx, it)
			if err != nil {
				return false, err
			}
			if !in {
				return true, nil
			}
			return r.feed(ctx, agg, it)
		})
		switch {
		case errors.Is(err, connector.ErrDeltaUnsupported) && r.seq == 0 && (agg == nil || agg.Len() == 0):
			r.logger.Warn("delta unavailable, falling back to full enumeration",
				"event", "sync_delta_fallback",
				"error", err,
			)
			if err := r.e.store.SetSyncLogMode(ctx, r.info.ID, ir.ModeFull); err != nil {
				return err
			}
			r.mode = ir.ModeFull
		case err != nil:
			return r.passError(ctx, err)
		default:
			if err := r.drain(ctx, agg); err != nil {
				return err
			}
			r.nextToken = &next
			return nil
		}
	}

	if r.delta != nil {
		token, err := r.delta.CurrentToken(ctx, r.target)
		if err != nil {
			r.logger.Warn("no resume token for next run", "error", err)
		} else {
			r.nextToken = &token
		}
	}
	err := r.conn.Search(ctx, r.target, r.cfg.Filter, func(obj connector.RemoteObject) (bool, error) {
		return r.feed(ctx, agg, item{uid: obj.UID, remote: &obj})
	})
	if err != nil {
		return r.passError(ctx, err)
	}
	if err := r.drain(ctx, agg); err != nil {
		return err
	}
	return r.missing(ctx)
}

// feed routes one streamed entry: hierarchical runs buffer it, flat runs
// reconcile it right away.
func (r *runner) feed(ctx context.Context, agg *tree.Aggregator, it item) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	if agg != nil {
		var attrs ir.Attrs
		if it.remote != nil {
			attrs = it.remote.Attributes
		}
		if err := agg.Add(it.uid, attrs, it.deleted); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := r.reconcile(ctx, it); err != nil {
		return false, err
	}
	return true, nil
}

// drain reconciles buffered hierarchical items parents first.
func (r *runner) drain(ctx context.Context, agg *tree.Aggregator) error {
	if agg == nil || ctx.Err() != nil {
		return nil
	}
	known := func(uid string) bool {
		_, err := r.e.store.FindAccount(ctx, r.cfg.SystemID, r.cfg.EntityType, uid)
		return err == nil
	}
	ordered, unresolved := agg.Drain(known)
	for _, node := range ordered {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.reconcile(ctx, itemFromNode(node, "")); err != nil {
			return err
		}
	}
	for _, node := range unresolved {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.reconcile(ctx, itemFromNode(node, node.Parent)); err != nil {
			return err
		}
	}
	return nil
}

func itemFromNode(node tree.Item, orphan string) item {
	it := item{uid: node.UID, deleted: node.Deleted, orphan: orphan}
	if !node.Deleted {
		it.remote = &connector.RemoteObject{UID: node.UID, Attributes: node.Attributes}
	}
	return it
}

// missing reports every account of a full run the remote side did not
// return. Accounts outside the config's filter were never searched for and
// are skipped.
func (r *runner) missing(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	accounts, err := r.e.store.ListAccounts(ctx, r.cfg.SystemID, r.cfg.EntityType)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return nil
		}
		if r.seen[acc.UID] {
			continue
		}
		if !r.accountInScope(ctx, acc) {
			continue
		}
		if err := r.reconcile(ctx, item{uid: acc.UID, deleted: true}); err != nil {
			return err
		}
	}
	return nil
}

// changeInScope reports whether a delta change belongs to the config's
// filter. Upserts are matched on their attributes. Deletions carry none, so
// they are matched on the local account they would affect.
func (r *runner) changeInScope(ctx context.Context, it item) (bool, error) {
	if len(r.cfg.Filter) == 0 {
		return true, nil
	}
	if !it.deleted {
		return connector.Matches(it.remote.Attributes, r.cfg.Filter), nil
	}
	acc, err := r.e.store.FindAccount(ctx, r.cfg.SystemID, r.cfg.EntityType, it.uid)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return r.accountInScope(ctx, acc), nil
}

// accountInScope reports whether the remote view of acc matches the
// config's filter. Accounts whose view cannot be computed are left alone.
func (r *runner) accountInScope(ctx context.Context, acc ir.Account) bool {
	if len(r.cfg.Filter) == 0 {
		return true
	}
	grants, err := r.e.store.GrantsForAccount(ctx, acc.ID)
	if err == nil {
		var view ir.Attrs
		view, err = mapping.ComputeOutbound(acc, grants, r.mappings)
		if err == nil {
			return connector.Matches(view, r.cfg.Filter)
		}
	}
	r.logger.Warn("cannot match account against filter, skipping",
		"event", "sync_scope_unknown",
		"account", acc.ID,
		"error", err,
	)
	return false
}

// passError separates cancellation from run-fatal failures.
func (r *runner) passError(ctx context.Context, err error) error {
	if ctx.Err() != nil && connector.IsCancellation(err) {
		return nil
	}
	return err
}
