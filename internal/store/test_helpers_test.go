package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/ir"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedSystem inserts a memory-backed system.
func seedSystem(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.PutSystem(context.Background(), ir.System{
		ID: id, Name: id, ConnectorType: "memory",
	}))
}

// createTestAccount inserts an account with minimal required fields.
func createTestAccount(t *testing.T, s *Store, id, systemID, uid string) ir.Account {
	t.Helper()
	a := ir.Account{
		ID:         id,
		SystemID:   systemID,
		EntityType: "user",
		UID:        uid,
		Enabled:    true,
		Attributes: ir.Attrs{"cn": ir.Str(uid)},
		CreatedAt:  testEpoch,
		UpdatedAt:  testEpoch,
	}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

// createTestOperation builds a pending operation with minimal required fields.
func createTestOperation(id, systemID, uid string, kind ir.OperationKind, seq int64) ir.ProvisioningOperation {
	payload := ir.Attrs{"cn": ir.Str(uid)}
	return ir.ProvisioningOperation{
		ID:             id,
		SystemID:       systemID,
		EntityType:     "user",
		UID:            uid,
		Kind:           kind,
		Payload:        payload,
		PayloadHash:    ir.MustPayloadHash(payload),
		Seq:            seq,
		IdempotencyKey: ir.IdempotencyKey(systemID, uid, kind, seq),
		State:          ir.StateCreated,
		CreatedBy:      "test",
		CreatedAt:      testEpoch,
		UpdatedAt:      testEpoch,
	}
}

// archiveFor builds the archive record of an operation.
func archiveFor(op ir.ProvisioningOperation, state ir.OperationState, code ir.ResultCode, at time.Time) ir.ProvisioningArchive {
	return ir.ProvisioningArchive{
		ID:          "arch-" + op.ID,
		OperationID: op.ID,
		SystemID:    op.SystemID,
		EntityType:  op.EntityType,
		UID:         op.UID,
		Kind:        op.Kind,
		Payload:     op.Payload,
		Seq:         op.Seq,
		State:       state,
		ResultCode:  code,
		CreatedBy:   op.CreatedBy,
		CreatedAt:   op.CreatedAt,
		ArchivedAt:  at,
	}
}
