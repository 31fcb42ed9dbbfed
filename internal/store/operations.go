package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provsync/internal/ir"
)

const operationColumns = `id, system_id, entity_type, uid, account_id, kind, payload, payload_hash,
	seq, idempotency_key, state, created_by, created_at, updated_at`

// InsertOperation persists a pending operation. Uses
// ON CONFLICT(idempotency_key) DO NOTHING, so a resubmission with the same
// key reports inserted=false.
func (s *Store) InsertOperation(ctx context.Context, op ir.ProvisioningOperation) (inserted bool, err error) {
	payload, err := marshalAttrs(op.Payload)
	if err != nil {
		return false, fmt.Errorf("insert operation: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO provisioning_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		op.ID, op.SystemID, op.EntityType, op.UID, op.AccountID, string(op.Kind), payload, op.PayloadHash,
		op.Seq, op.IdempotencyKey, string(op.State), op.CreatedBy, toNanos(op.CreatedAt), toNanos(op.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert operation: %w", err)
	}
	return n > 0, nil
}

// GetOperation returns a pending operation or ErrNotFound.
func (s *Store) GetOperation(ctx context.Context, id string) (ir.ProvisioningOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM provisioning_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		return ir.ProvisioningOperation{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// FindPendingOperations returns the pending operations of one kind for one
// target entity, oldest first.
func (s *Store) FindPendingOperations(ctx context.Context, systemID, entityType, uid string, kind ir.OperationKind) ([]ir.ProvisioningOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+` FROM provisioning_operations
		WHERE system_id = ? AND entity_type = ? AND uid = ? AND kind = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, systemID, entityType, uid, string(kind))
	if err != nil {
		return nil, fmt.Errorf("find pending operations: %w", err)
	}
	return collectOperations(rows)
}

// ListPendingOperations returns every pending operation in sequence order.
func (s *Store) ListPendingOperations(ctx context.Context) ([]ir.ProvisioningOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+` FROM provisioning_operations
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}
	return collectOperations(rows)
}

// SetOperationState moves a pending operation to a new state.
func (s *Store) SetOperationState(ctx context.Context, id string, state ir.OperationState, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE provisioning_operations SET state = ?, updated_at = ? WHERE id = ?
	`, string(state), toNanos(now), id)
	if err != nil {
		return fmt.Errorf("set operation state: %w", err)
	}
	return requireAffected(res, "set operation state "+id)
}

// ReplaceOperationPayload swaps the payload of an operation that has not
// started yet. Returns false when the operation already left CREATED.
func (s *Store) ReplaceOperationPayload(ctx context.Context, id string, payload ir.Attrs, hash string, now time.Time) (bool, error) {
	data, err := marshalAttrs(payload)
	if err != nil {
		return false, fmt.Errorf("replace operation payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE provisioning_operations
		SET payload = ?, payload_hash = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, data, hash, toNanos(now), id, string(ir.StateCreated))
	if err != nil {
		return false, fmt.Errorf("replace operation payload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replace operation payload: %w", err)
	}
	return n > 0, nil
}

// MaxSeq returns the highest operation sequence ever persisted, pending or
// archived. A fresh store returns 0.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			(SELECT COALESCE(MAX(seq), 0) FROM provisioning_operations),
			(SELECT COALESCE(MAX(seq), 0) FROM provisioning_archives)
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

func collectOperations(rows *sql.Rows) ([]ir.ProvisioningOperation, error) {
	defer rows.Close()
	var out []ir.ProvisioningOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func scanOperation(row rowScanner) (ir.ProvisioningOperation, error) {
	var (
		op                   ir.ProvisioningOperation
		kind, state, payload string
		createdAt, updatedAt int64
	)
	err := row.Scan(&op.ID, &op.SystemID, &op.EntityType, &op.UID, &op.AccountID, &kind, &payload,
		&op.PayloadHash, &op.Seq, &op.IdempotencyKey, &state, &op.CreatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ProvisioningOperation{}, ErrNotFound
	}
	if err != nil {
		return ir.ProvisioningOperation{}, err
	}
	op.Kind = ir.OperationKind(kind)
	op.State = ir.OperationState(state)
	op.CreatedAt = fromNanos(createdAt)
	op.UpdatedAt = fromNanos(updatedAt)
	if op.Payload, err = unmarshalAttrs(payload); err != nil {
		return ir.ProvisioningOperation{}, err
	}
	return op, nil
}
