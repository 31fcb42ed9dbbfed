package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/provsync/internal/ir"
)

// PutSystem inserts or replaces a target system.
func (s *Store) PutSystem(ctx context.Context, sys ir.System) error {
	settings, err := marshalAttrs(sys.Settings)
	if err != nil {
		return fmt.Errorf("put system: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO systems (id, name, connector_type, settings)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			connector_type = excluded.connector_type,
			settings = excluded.settings
	`, sys.ID, sys.Name, sys.ConnectorType, settings)
	if err != nil {
		return fmt.Errorf("put system: %w", err)
	}
	return nil
}

// GetSystem returns the system with the given ID or ErrNotFound.
func (s *Store) GetSystem(ctx context.Context, id string) (ir.System, error) {
	var (
		sys      ir.System
		settings string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, connector_type, settings FROM systems WHERE id = ?
	`, id).Scan(&sys.ID, &sys.Name, &sys.ConnectorType, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.System{}, fmt.Errorf("get system %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.System{}, fmt.Errorf("get system %s: %w", id, err)
	}
	if sys.Settings, err = unmarshalAttrs(settings); err != nil {
		return ir.System{}, fmt.Errorf("get system %s: %w", id, err)
	}
	return sys, nil
}

// ListSystems returns every system ordered by ID.
func (s *Store) ListSystems(ctx context.Context) ([]ir.System, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, connector_type, settings FROM systems
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	defer rows.Close()

	var out []ir.System
	for rows.Next() {
		var (
			sys      ir.System
			settings string
		)
		if err := rows.Scan(&sys.ID, &sys.Name, &sys.ConnectorType, &settings); err != nil {
			return nil, fmt.Errorf("list systems: %w", err)
		}
		if sys.Settings, err = unmarshalAttrs(settings); err != nil {
			return nil, fmt.Errorf("list systems: %w", err)
		}
		out = append(out, sys)
	}
	return out, rows.Err()
}

// PutRole inserts or replaces a role.
func (s *Store) PutRole(ctx context.Context, r ir.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (id, name, priority) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, priority = excluded.priority
	`, r.ID, r.Name, r.Priority)
	if err != nil {
		return fmt.Errorf("put role: %w", err)
	}
	return nil
}

// PutRoleSystem inserts or replaces a role-system assignment.
func (s *Store) PutRoleSystem(ctx context.Context, rs ir.RoleSystem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_systems (id, role_id, system_id, entity_type) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role_id = excluded.role_id,
			system_id = excluded.system_id,
			entity_type = excluded.entity_type
	`, rs.ID, rs.RoleID, rs.SystemID, rs.EntityType)
	if err != nil {
		return fmt.Errorf("put role system: %w", err)
	}
	return nil
}

// PutRoleSystemAttribute inserts or replaces a role-system attribute. A zero
// Seq is assigned the next creation sequence.
func (s *Store) PutRoleSystemAttribute(ctx context.Context, a ir.RoleSystemAttribute) error {
	value, err := marshalValue(a.Value)
	if err != nil {
		return fmt.Errorf("put role system attribute: %w", err)
	}
	seq := a.Seq
	if seq == 0 {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM role_system_attributes`).Scan(&seq); err != nil {
			return fmt.Errorf("put role system attribute: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_system_attributes
		(id, role_system_id, remote_attr, value, transform, priority, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role_system_id = excluded.role_system_id,
			remote_attr = excluded.remote_attr,
			value = excluded.value,
			transform = excluded.transform,
			priority = excluded.priority
	`, a.ID, a.RoleSystemID, a.RemoteAttr, value, a.Transform, a.Priority, seq)
	if err != nil {
		return fmt.Errorf("put role system attribute: %w", err)
	}
	return nil
}

// DeleteRoleSystem removes a role system with its attributes and detaches
// the identity links granted through it, all in one transaction.
func (s *Store) DeleteRoleSystem(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx *Tx) error {
		steps := []struct {
			what  string
			query string
		}{
			{"delete attributes", `DELETE FROM role_system_attributes WHERE role_system_id = ?`},
			{"detach identity links", `UPDATE identity_accounts SET role_system_id = NULL WHERE role_system_id = ?`},
			{"delete role system", `DELETE FROM role_systems WHERE id = ?`},
		}
		for _, step := range steps {
			if _, err := tx.tx.ExecContext(ctx, step.query, id); err != nil {
				return fmt.Errorf("delete role system %s: %s: %w", id, step.what, err)
			}
		}
		return nil
	})
}

// ListRoleSystemAttributes returns the attributes of a role system in
// creation order.
func (s *Store) ListRoleSystemAttributes(ctx context.Context, roleSystemID string) ([]ir.RoleSystemAttribute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role_system_id, remote_attr, value, transform, priority, seq
		FROM role_system_attributes
		WHERE role_system_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, roleSystemID)
	if err != nil {
		return nil, fmt.Errorf("list role system attributes: %w", err)
	}
	defer rows.Close()

	var out []ir.RoleSystemAttribute
	for rows.Next() {
		a, err := scanRoleSystemAttribute(rows)
		if err != nil {
			return nil, fmt.Errorf("list role system attributes: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GrantsForAccount returns the role-system attributes that apply to an
// account through its identity links, each with the granting role's
// priority.
func (s *Store) GrantsForAccount(ctx context.Context, accountID string) ([]ir.RoleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT r.id, r.priority,
			a.id, a.role_system_id, a.remote_attr, a.value, a.transform, a.priority, a.seq
		FROM identity_accounts ia
		JOIN role_systems rs ON rs.id = ia.role_system_id
		JOIN roles r ON r.id = rs.role_id
		JOIN role_system_attributes a ON a.role_system_id = rs.id
		WHERE ia.account_id = ?
		ORDER BY a.seq ASC, a.id COLLATE BINARY ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("grants for account: %w", err)
	}
	defer rows.Close()

	var out []ir.RoleGrant
	for rows.Next() {
		var (
			g     ir.RoleGrant
			value string
		)
		a := &g.Attribute
		if err := rows.Scan(&g.RoleID, &g.RolePriority,
			&a.ID, &a.RoleSystemID, &a.RemoteAttr, &value, &a.Transform, &a.Priority, &a.Seq); err != nil {
			return nil, fmt.Errorf("grants for account: %w", err)
		}
		if a.Value, err = unmarshalValue(value); err != nil {
			return nil, fmt.Errorf("grants for account: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanRoleSystemAttribute(row rowScanner) (ir.RoleSystemAttribute, error) {
	var (
		a     ir.RoleSystemAttribute
		value string
	)
	if err := row.Scan(&a.ID, &a.RoleSystemID, &a.RemoteAttr, &value, &a.Transform, &a.Priority, &a.Seq); err != nil {
		return ir.RoleSystemAttribute{}, err
	}
	v, err := unmarshalValue(value)
	if err != nil {
		return ir.RoleSystemAttribute{}, err
	}
	a.Value = v
	return a, nil
}
