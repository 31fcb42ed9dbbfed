package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provsync/internal/ir"
)

const archiveColumns = `id, operation_id, system_id, entity_type, uid, kind, payload, seq,
	state, result_code, result_log, created_by, created_at, archived_at`

// ArchiveFilter narrows audit queries over the archive. Empty fields match
// everything; the time range applies to archived_at and is half-open.
type ArchiveFilter struct {
	SystemID   string
	EntityType string
	UID        string
	Kind       ir.OperationKind
	State      ir.OperationState
	ResultCode ir.ResultCode
	Since      time.Time
	Until      time.Time
	Limit      int
}

// ArchiveOperation writes the final record of an operation and removes its
// pending row in one transaction.
//
// UNIQUE(operation_id) makes this exactly-once: a second call for the same
// operation inserts nothing and reports archived=false.
func (s *Store) ArchiveOperation(ctx context.Context, a ir.ProvisioningArchive) (archived bool, err error) {
	payload, err := marshalAttrs(a.Payload)
	if err != nil {
		return false, fmt.Errorf("archive operation: %w", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO provisioning_archives (`+archiveColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(operation_id) DO NOTHING
		`,
			a.ID, a.OperationID, a.SystemID, a.EntityType, a.UID, string(a.Kind), payload, a.Seq,
			string(a.State), string(a.ResultCode), a.ResultLog, a.CreatedBy,
			toNanos(a.CreatedAt), toNanos(a.ArchivedAt),
		)
		if err != nil {
			return fmt.Errorf("insert archive: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert archive: %w", err)
		}
		archived = n > 0

		if _, err := tx.tx.ExecContext(ctx,
			`DELETE FROM provisioning_operations WHERE id = ?`, a.OperationID); err != nil {
			return fmt.Errorf("remove pending: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("archive operation %s: %w", a.OperationID, err)
	}
	return archived, nil
}

// GetArchiveByOperation returns the archive record of an operation or
// ErrNotFound.
func (s *Store) GetArchiveByOperation(ctx context.Context, operationID string) (ir.ProvisioningArchive, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+archiveColumns+` FROM provisioning_archives WHERE operation_id = ?`, operationID)
	a, err := scanArchive(row)
	if err != nil {
		return ir.ProvisioningArchive{}, fmt.Errorf("get archive for %s: %w", operationID, err)
	}
	return a, nil
}

// ListArchives returns archive records matching the filter in sequence
// order.
func (s *Store) ListArchives(ctx context.Context, f ArchiveFilter) ([]ir.ProvisioningArchive, error) {
	query, params := newSelect(archiveColumns, "provisioning_archives", "seq ASC, id COLLATE BINARY ASC").
		equals("system_id", f.SystemID).
		equals("entity_type", f.EntityType).
		equals("uid", f.UID).
		equals("kind", string(f.Kind)).
		equals("state", string(f.State)).
		equals("result_code", string(f.ResultCode)).
		within("archived_at", f.Since, f.Until).
		limitTo(f.Limit).
		compile()

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var out []ir.ProvisioningArchive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("list archives: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArchive(row rowScanner) (ir.ProvisioningArchive, error) {
	var (
		a                       ir.ProvisioningArchive
		kind, state, code, data string
		createdAt, archivedAt   int64
	)
	err := row.Scan(&a.ID, &a.OperationID, &a.SystemID, &a.EntityType, &a.UID, &kind, &data, &a.Seq,
		&state, &code, &a.ResultLog, &a.CreatedBy, &createdAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ProvisioningArchive{}, ErrNotFound
	}
	if err != nil {
		return ir.ProvisioningArchive{}, err
	}
	a.Kind = ir.OperationKind(kind)
	a.State = ir.OperationState(state)
	a.ResultCode = ir.ResultCode(code)
	a.CreatedAt = fromNanos(createdAt)
	a.ArchivedAt = fromNanos(archivedAt)
	if a.Payload, err = unmarshalAttrs(data); err != nil {
		return ir.ProvisioningArchive{}, err
	}
	return a, nil
}
