package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	require.NoError(t, s.verifyPragma("journal_mode", "wal"))
	require.NoError(t, s.verifyPragma("synchronous", "1"))
	require.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	require.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	s1, err := Open(path)
	require.NoError(t, err)
	seedSystem(t, s1, "ldap")
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	sys, err := s2.GetSystem(context.Background(), "ldap")
	require.NoError(t, err)
	assert.Equal(t, "memory", sys.ConnectorType)

	var version int
	require.NoError(t, s2.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedSystem(t, s, "ldap")
	a := createTestAccount(t, s, "acc-1", "ldap", "ada")

	err := s.InTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.SetAccountEnabled(ctx, a.ID, false, testEpoch))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled, "rolled back update must not be visible")
}

func TestSelectQueryAlwaysOrders(t *testing.T) {
	query, params := newSelect("*", "provisioning_archives", "").compile()
	assert.Equal(t, "SELECT * FROM provisioning_archives ORDER BY id COLLATE BINARY ASC", query)
	assert.Empty(t, params)

	query, params = newSelect("id", "sync_logs", "started_at ASC").
		equals("system_id", "ldap").
		equals("state", "").
		limitTo(5).
		compile()
	assert.Equal(t, "SELECT id FROM sync_logs WHERE system_id = ? ORDER BY started_at ASC LIMIT ?", query)
	assert.Equal(t, []any{"ldap", 5}, params)
}
