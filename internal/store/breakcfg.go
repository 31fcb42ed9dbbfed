package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provsync/internal/ir"
)

// PutBreakConfig inserts or replaces the break config of (system, kind)
// together with its ordered recipients.
func (s *Store) PutBreakConfig(ctx context.Context, cfg ir.BreakConfig) error {
	return s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO break_configs (id, system_id, kind, threshold, window_ns, cooldown_ns, disabled)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(system_id, kind) DO UPDATE SET
				threshold = excluded.threshold,
				window_ns = excluded.window_ns,
				cooldown_ns = excluded.cooldown_ns,
				disabled = excluded.disabled
		`, cfg.ID, cfg.SystemID, string(cfg.Kind), cfg.Threshold,
			int64(cfg.Window), int64(cfg.Cooldown), boolToInt(cfg.Disabled))
		if err != nil {
			return fmt.Errorf("put break config: %w", err)
		}

		// The row may predate cfg.ID; recipients hang off the stored ID.
		var id string
		if err := tx.tx.QueryRowContext(ctx,
			`SELECT id FROM break_configs WHERE system_id = ? AND kind = ?`,
			cfg.SystemID, string(cfg.Kind)).Scan(&id); err != nil {
			return fmt.Errorf("put break config: %w", err)
		}

		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM break_recipients WHERE config_id = ?`, id); err != nil {
			return fmt.Errorf("put break config: clear recipients: %w", err)
		}
		for i, r := range cfg.Recipients {
			if _, err := tx.tx.ExecContext(ctx, `
				INSERT INTO break_recipients (config_id, position, kind, target) VALUES (?, ?, ?, ?)
			`, id, i, r.Kind, r.Target); err != nil {
				return fmt.Errorf("put break config: recipient %d: %w", i, err)
			}
		}
		return nil
	})
}

// GetBreakConfig returns the config that governs (system, kind): a
// kind-specific config when one exists, else the system-wide one, else
// ErrNotFound.
func (s *Store) GetBreakConfig(ctx context.Context, systemID string, kind ir.OperationKind) (ir.BreakConfig, error) {
	cfg, err := s.getBreakConfig(ctx, systemID, string(kind))
	if errors.Is(err, ErrNotFound) && kind != "" {
		cfg, err = s.getBreakConfig(ctx, systemID, "")
	}
	if err != nil {
		return ir.BreakConfig{}, fmt.Errorf("get break config %s/%s: %w", systemID, kind, err)
	}
	return cfg, nil
}

func (s *Store) getBreakConfig(ctx context.Context, systemID, kind string) (ir.BreakConfig, error) {
	var (
		cfg              ir.BreakConfig
		k                string
		window, cooldown int64
		disabled         int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, system_id, kind, threshold, window_ns, cooldown_ns, disabled
		FROM break_configs WHERE system_id = ? AND kind = ?
	`, systemID, kind).Scan(&cfg.ID, &cfg.SystemID, &k, &cfg.Threshold, &window, &cooldown, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.BreakConfig{}, ErrNotFound
	}
	if err != nil {
		return ir.BreakConfig{}, err
	}
	cfg.Kind = ir.OperationKind(k)
	cfg.Window = time.Duration(window)
	cfg.Cooldown = time.Duration(cooldown)
	cfg.Disabled = disabled != 0

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, target FROM break_recipients WHERE config_id = ? ORDER BY position ASC
	`, cfg.ID)
	if err != nil {
		return ir.BreakConfig{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var r ir.BreakRecipient
		if err := rows.Scan(&r.Kind, &r.Target); err != nil {
			return ir.BreakConfig{}, err
		}
		cfg.Recipients = append(cfg.Recipients, r)
	}
	return cfg, rows.Err()
}
