package store

import (
	"context"
	"fmt"

	"github.com/roach88/provsync/internal/ir"
)

// PutMapping inserts or replaces an attribute mapping. Mappings are unique
// per (system, entity type, remote attribute).
func (s *Store) PutMapping(ctx context.Context, m ir.AttributeMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attribute_mappings
		(id, system_id, entity_type, remote_attr, internal_attr, direction, uid, transform, clear_when_absent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(system_id, entity_type, remote_attr) DO UPDATE SET
			internal_attr = excluded.internal_attr,
			direction = excluded.direction,
			uid = excluded.uid,
			transform = excluded.transform,
			clear_when_absent = excluded.clear_when_absent
	`,
		m.ID, m.SystemID, m.EntityType, m.RemoteAttr, m.InternalAttr, string(m.Direction),
		boolToInt(m.UID), m.Transform, boolToInt(m.ClearWhenAbsent),
	)
	if err != nil {
		return fmt.Errorf("put mapping: %w", err)
	}
	return nil
}

// ListMappings returns the mappings of (system, entity type) ordered by
// remote attribute.
func (s *Store) ListMappings(ctx context.Context, systemID, entityType string) ([]ir.AttributeMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, system_id, entity_type, remote_attr, internal_attr, direction, uid, transform, clear_when_absent
		FROM attribute_mappings
		WHERE system_id = ? AND entity_type = ?
		ORDER BY remote_attr COLLATE BINARY ASC, id COLLATE BINARY ASC
	`, systemID, entityType)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []ir.AttributeMapping
	for rows.Next() {
		var (
			m          ir.AttributeMapping
			direction  string
			uid, clearAbsent int
		)
		if err := rows.Scan(&m.ID, &m.SystemID, &m.EntityType, &m.RemoteAttr, &m.InternalAttr,
			&direction, &uid, &m.Transform, &clearAbsent); err != nil {
			return nil, fmt.Errorf("list mappings: %w", err)
		}
		m.Direction = ir.Direction(direction)
		m.UID = uid != 0
		m.ClearWhenAbsent = clearAbsent != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
