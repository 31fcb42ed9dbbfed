package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provsync/internal/ir"
)

const syncConfigColumns = `id, name, system_id, entity_type, filter, authoritative,
	react_create, react_update, react_missing, hierarchical, parent_attr, delta, enabled`

// PutSyncConfig inserts or replaces a sync config.
func (s *Store) PutSyncConfig(ctx context.Context, c ir.SyncConfig) error {
	filter, err := marshalAttrs(c.Filter)
	if err != nil {
		return fmt.Errorf("put sync config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_configs (`+syncConfigColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			system_id = excluded.system_id,
			entity_type = excluded.entity_type,
			filter = excluded.filter,
			authoritative = excluded.authoritative,
			react_create = excluded.react_create,
			react_update = excluded.react_update,
			react_missing = excluded.react_missing,
			hierarchical = excluded.hierarchical,
			parent_attr = excluded.parent_attr,
			delta = excluded.delta,
			enabled = excluded.enabled
	`,
		c.ID, c.Name, c.SystemID, c.EntityType, filter, string(c.Authoritative),
		string(c.Reactions.For(ir.SituationCreateEntity)),
		string(c.Reactions.For(ir.SituationUpdateEntity)),
		string(c.Reactions.For(ir.SituationMissingEntity)),
		boolToInt(c.Hierarchical), c.ParentAttr, boolToInt(c.Delta), boolToInt(c.Enabled),
	)
	if err != nil {
		return fmt.Errorf("put sync config: %w", err)
	}
	return nil
}

// GetSyncConfig returns a sync config by ID or ErrNotFound.
func (s *Store) GetSyncConfig(ctx context.Context, id string) (ir.SyncConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncConfigColumns+` FROM sync_configs WHERE id = ?`, id)
	c, err := scanSyncConfig(row)
	if err != nil {
		return ir.SyncConfig{}, fmt.Errorf("get sync config %s: %w", id, err)
	}
	return c, nil
}

// GetSyncConfigByName returns a sync config by its unique name.
func (s *Store) GetSyncConfigByName(ctx context.Context, name string) (ir.SyncConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncConfigColumns+` FROM sync_configs WHERE name = ?`, name)
	c, err := scanSyncConfig(row)
	if err != nil {
		return ir.SyncConfig{}, fmt.Errorf("get sync config %q: %w", name, err)
	}
	return c, nil
}

// ListSyncConfigs returns every sync config ordered by name.
func (s *Store) ListSyncConfigs(ctx context.Context) ([]ir.SyncConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncConfigColumns+` FROM sync_configs
		ORDER BY name COLLATE BINARY ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sync configs: %w", err)
	}
	defer rows.Close()

	var out []ir.SyncConfig
	for rows.Next() {
		c, err := scanSyncConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("list sync configs: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetSyncToken returns the stored continuation token of a config.
// ok is false when no token has been stored yet.
func (s *Store) GetSyncToken(ctx context.Context, configID string) (token string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT token FROM sync_tokens WHERE config_id = ?`, configID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get sync token: %w", err)
	}
	return token, true, nil
}

// PutSyncToken stores the continuation token of a config.
func (s *Store) PutSyncToken(ctx context.Context, configID, token string, now time.Time) error {
	return putSyncToken(ctx, s.db, configID, token, now)
}

func putSyncToken(ctx context.Context, q querier, configID, token string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_tokens (config_id, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(config_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`, configID, token, toNanos(now))
	if err != nil {
		return fmt.Errorf("put sync token: %w", err)
	}
	return nil
}

func scanSyncConfig(row rowScanner) (ir.SyncConfig, error) {
	var (
		c                                      ir.SyncConfig
		filter, auth                           string
		reactCreate, reactUpdate, reactMissing string
		hierarchical, delta, enabled           int
	)
	err := row.Scan(&c.ID, &c.Name, &c.SystemID, &c.EntityType, &filter, &auth,
		&reactCreate, &reactUpdate, &reactMissing, &hierarchical, &c.ParentAttr, &delta, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SyncConfig{}, ErrNotFound
	}
	if err != nil {
		return ir.SyncConfig{}, err
	}
	c.Authoritative = ir.Side(auth)
	c.Reactions = ir.Reactions{
		CreateEntity:  ir.Reaction(reactCreate),
		UpdateEntity:  ir.Reaction(reactUpdate),
		MissingEntity: ir.Reaction(reactMissing),
	}
	c.Hierarchical = hierarchical != 0
	c.Delta = delta != 0
	c.Enabled = enabled != 0
	if c.Filter, err = unmarshalAttrs(filter); err != nil {
		return ir.SyncConfig{}, err
	}
	return c, nil
}
