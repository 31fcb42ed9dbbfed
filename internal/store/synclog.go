package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provsync/internal/ir"
)

// ErrLogRunning is returned when deleting a sync log whose run is active.
var ErrLogRunning = errors.New("sync log is still running")

const syncLogColumns = `id, config_id, system_id, entity_type, mode, state, started_at, ended_at, error, summary`

// SyncLogFilter narrows audit queries over sync logs. The time range applies
// to started_at and is half-open.
type SyncLogFilter struct {
	ConfigID   string
	SystemID   string
	EntityType string
	State      ir.RunState
	Since      time.Time
	Until      time.Time
	Limit      int
}

// CloseRun describes how a run ends. Token is stored in the same
// transaction when non-nil.
type CloseRun struct {
	ID      string
	State   ir.RunState
	EndedAt time.Time
	Error   string
	Token   *string
}

// CreateSyncLog opens a run header.
func (s *Store) CreateSyncLog(ctx context.Context, l ir.SyncLog) error {
	summary, err := marshalSummary(ir.NewRunSummary())
	if err != nil {
		return fmt.Errorf("create sync log: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (`+syncLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, l.ConfigID, l.SystemID, l.EntityType, string(l.Mode), string(l.State),
		toNanos(l.StartedAt), toNanos(l.EndedAt), l.Error, summary,
	)
	if err != nil {
		return fmt.Errorf("create sync log: %w", err)
	}
	return nil
}

// CloseSyncLog moves a RUNNING log to its final state. The summary is
// counted from the item logs committed so far, so it always matches them.
func (s *Store) CloseSyncLog(ctx context.Context, c CloseRun) (ir.RunSummary, error) {
	var summary ir.RunSummary
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		summary, err = summarizeItems(ctx, tx.tx, c.ID)
		if err != nil {
			return err
		}
		data, err := marshalSummary(summary)
		if err != nil {
			return err
		}
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE sync_logs SET state = ?, ended_at = ?, error = ?, summary = ?
			WHERE id = ? AND state = ?
		`, string(c.State), toNanos(c.EndedAt), c.Error, data, c.ID, string(ir.RunRunning))
		if err != nil {
			return err
		}
		if err := requireAffected(res, "running log "+c.ID); err != nil {
			return err
		}
		if c.Token != nil {
			var configID string
			if err := tx.tx.QueryRowContext(ctx,
				`SELECT config_id FROM sync_logs WHERE id = ?`, c.ID).Scan(&configID); err != nil {
				return err
			}
			return putSyncToken(ctx, tx.tx, configID, *c.Token, c.EndedAt)
		}
		return nil
	})
	if err != nil {
		return ir.RunSummary{}, fmt.Errorf("close sync log: %w", err)
	}
	return summary, nil
}

// SetSyncLogMode records a mode change of a running log, such as a delta
// run falling back to a full enumeration.
func (s *Store) SetSyncLogMode(ctx context.Context, id string, mode ir.SyncMode) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_logs SET mode = ? WHERE id = ? AND state = ?
	`, string(mode), id, string(ir.RunRunning))
	if err != nil {
		return fmt.Errorf("set sync log mode: %w", err)
	}
	return requireAffected(res, "running log "+id)
}

// GetSyncLog returns a run header or ErrNotFound.
func (s *Store) GetSyncLog(ctx context.Context, id string) (ir.SyncLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = ?`, id)
	l, err := scanSyncLog(row)
	if err != nil {
		return ir.SyncLog{}, fmt.Errorf("get sync log %s: %w", id, err)
	}
	return l, nil
}

// ListSyncLogs returns run headers matching the filter, oldest first.
func (s *Store) ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]ir.SyncLog, error) {
	query, params := newSelect(syncLogColumns, "sync_logs", "started_at ASC, id COLLATE BINARY ASC").
		equals("config_id", f.ConfigID).
		equals("system_id", f.SystemID).
		equals("entity_type", f.EntityType).
		equals("state", string(f.State)).
		within("started_at", f.Since, f.Until).
		limitTo(f.Limit).
		compile()

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	var out []ir.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("list sync logs: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// WriteItemLog records one reconciled item and its actions.
func (s *Store) WriteItemLog(ctx context.Context, item ir.SyncItemLog) error {
	return s.InTx(ctx, func(tx *Tx) error {
		return tx.WriteItemLog(ctx, item)
	})
}

// WriteItemLog records one reconciled item and its actions inside the
// transaction, next to the local mutations made for it.
func (t *Tx) WriteItemLog(ctx context.Context, item ir.SyncItemLog) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_item_logs
		(id, log_id, seq, remote_uid, account_id, situation, outcome, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.LogID, item.Seq, item.RemoteUID, item.AccountID,
		string(item.Situation), string(item.Outcome), item.Message, toNanos(item.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("write item log: %w", err)
	}
	for i, a := range item.Actions {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sync_action_logs (id, item_id, log_id, position, action, outcome, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, a.ID, item.ID, item.LogID, i, a.Action, string(a.Outcome), a.Detail)
		if err != nil {
			return fmt.Errorf("write action log %d: %w", i, err)
		}
	}
	return nil
}

// ListItemLogs returns the items of a run in sequence order, each with its
// actions.
func (s *Store) ListItemLogs(ctx context.Context, logID string) ([]ir.SyncItemLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, log_id, seq, remote_uid, account_id, situation, outcome, message, created_at
		FROM sync_item_logs
		WHERE log_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, logID)
	if err != nil {
		return nil, fmt.Errorf("list item logs: %w", err)
	}

	var items []ir.SyncItemLog
	index := make(map[string]int)
	for rows.Next() {
		var (
			it                 ir.SyncItemLog
			situation, outcome string
			createdAt          int64
		)
		if err := rows.Scan(&it.ID, &it.LogID, &it.Seq, &it.RemoteUID, &it.AccountID,
			&situation, &outcome, &it.Message, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list item logs: %w", err)
		}
		it.Situation = ir.Situation(situation)
		it.Outcome = ir.Outcome(outcome)
		it.CreatedAt = fromNanos(createdAt)
		index[it.ID] = len(items)
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list item logs: %w", err)
	}

	actions, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, log_id, action, outcome, detail
		FROM sync_action_logs
		WHERE log_id = ?
		ORDER BY item_id COLLATE BINARY ASC, position ASC
	`, logID)
	if err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	defer actions.Close()
	for actions.Next() {
		var (
			a       ir.SyncActionLog
			outcome string
		)
		if err := actions.Scan(&a.ID, &a.ItemID, &a.LogID, &a.Action, &outcome, &a.Detail); err != nil {
			return nil, fmt.Errorf("list action logs: %w", err)
		}
		a.Outcome = ir.Outcome(outcome)
		if i, ok := index[a.ItemID]; ok {
			items[i].Actions = append(items[i].Actions, a)
		}
	}
	return items, actions.Err()
}

// DeleteSyncLog removes a finished run: action logs, then item logs, then
// the header, in one transaction.
func (s *Store) DeleteSyncLog(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx *Tx) error {
		var state string
		err := tx.tx.QueryRowContext(ctx, `SELECT state FROM sync_logs WHERE id = ?`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("delete sync log %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("delete sync log %s: %w", id, err)
		}
		if ir.RunState(state) == ir.RunRunning {
			return fmt.Errorf("delete sync log %s: %w", id, ErrLogRunning)
		}

		for _, q := range []string{
			`DELETE FROM sync_action_logs WHERE log_id = ?`,
			`DELETE FROM sync_item_logs WHERE log_id = ?`,
			`DELETE FROM sync_logs WHERE id = ?`,
		} {
			if _, err := tx.tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete sync log %s: %w", id, err)
			}
		}
		return nil
	})
}

func summarizeItems(ctx context.Context, q querier, logID string) (ir.RunSummary, error) {
	summary := ir.NewRunSummary()
	rows, err := q.QueryContext(ctx, `
		SELECT situation, outcome, COUNT(*)
		FROM sync_item_logs
		WHERE log_id = ?
		GROUP BY situation, outcome
		ORDER BY situation, outcome
	`, logID)
	if err != nil {
		return ir.RunSummary{}, fmt.Errorf("summarize items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			situation, outcome string
			n                  int
		)
		if err := rows.Scan(&situation, &outcome, &n); err != nil {
			return ir.RunSummary{}, fmt.Errorf("summarize items: %w", err)
		}
		summary.Items += n
		summary.Situations[ir.Situation(situation)] += n
		summary.Outcomes[ir.Outcome(outcome)] += n
	}
	return summary, rows.Err()
}

func scanSyncLog(row rowScanner) (ir.SyncLog, error) {
	var (
		l                  ir.SyncLog
		mode, state, sum   string
		startedAt, endedAt int64
	)
	err := row.Scan(&l.ID, &l.ConfigID, &l.SystemID, &l.EntityType, &mode, &state,
		&startedAt, &endedAt, &l.Error, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SyncLog{}, ErrNotFound
	}
	if err != nil {
		return ir.SyncLog{}, err
	}
	l.Mode = ir.SyncMode(mode)
	l.State = ir.RunState(state)
	l.StartedAt = fromNanos(startedAt)
	l.EndedAt = fromNanos(endedAt)
	if l.Summary, err = unmarshalSummary(sum); err != nil {
		return ir.SyncLog{}, err
	}
	return l, nil
}
