package reconcile

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/provisioning"
	"github.com/roach88/provsync/internal/store"
	"github.com/roach88/provsync/internal/testutil"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type env struct {
	store  *store.Store
	remote *connector.Memory
	reg    *connector.Registry
	exec   *provisioning.Executor
	engine *Engine
	clock  *testutil.FakeClock
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEnv builds a store with system "ldap" and user mappings, a memory
// connector bound through wrap (nil binds it directly), an executor and an
// engine.
func newEnv(t *testing.T, wrap func(*connector.Memory) connector.Connector) *env {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "provsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.PutSystem(ctx, ir.System{ID: "ldap", Name: "ldap", ConnectorType: "memory"}))
	for _, m := range []ir.AttributeMapping{
		{ID: "m-uid", SystemID: "ldap", EntityType: "user", RemoteAttr: "uid", InternalAttr: "login", Direction: ir.DirectionBoth, UID: true},
		{ID: "m-cn", SystemID: "ldap", EntityType: "user", RemoteAttr: "cn", InternalAttr: "name", Direction: ir.DirectionBoth},
		{ID: "m-title", SystemID: "ldap", EntityType: "user", RemoteAttr: "title", InternalAttr: "title", Direction: ir.DirectionInbound, ClearWhenAbsent: true},
	} {
		require.NoError(t, st.PutMapping(ctx, m))
	}

	remote := connector.NewMemory("ldap")
	reg := connector.NewRegistry()
	if wrap != nil {
		reg.Bind("ldap", wrap(remote))
	} else {
		reg.Bind("ldap", remote)
	}

	clock := testutil.NewFakeClock(testEpoch)
	exec, err := provisioning.New(ctx, st, reg,
		provisioning.WithLogger(quietLogger()),
		provisioning.WithClock(clock.Now),
		provisioning.WithIDs(testutil.NewSequenceGenerator("op")),
	)
	require.NoError(t, err)

	eng := New(st, reg, exec,
		WithLogger(quietLogger()),
		WithClock(clock.Now),
		WithIDs(testutil.NewSequenceGenerator("sync")),
	)
	t.Cleanup(eng.Shutdown)

	return &env{store: st, remote: remote, reg: reg, exec: exec, engine: eng, clock: clock}
}

func (e *env) config(t *testing.T, cfg ir.SyncConfig) ir.SyncConfig {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "cfg-users"
	}
	if cfg.Name == "" {
		cfg.Name = "users"
	}
	if cfg.SystemID == "" {
		cfg.SystemID = "ldap"
	}
	if cfg.EntityType == "" {
		cfg.EntityType = "user"
	}
	if cfg.Authoritative == "" {
		cfg.Authoritative = ir.SideRemote
	}
	cfg.Enabled = true
	require.NoError(t, e.store.PutSyncConfig(context.Background(), cfg))
	return cfg
}

func (e *env) account(t *testing.T, id, uid string, attrs ir.Attrs) ir.Account {
	t.Helper()
	a := ir.Account{
		ID: id, SystemID: "ldap", EntityType: "user", UID: uid, Enabled: true,
		Attributes: attrs, CreatedAt: testEpoch, UpdatedAt: testEpoch,
	}
	require.NoError(t, e.store.CreateAccount(context.Background(), a))
	return a
}

func (e *env) items(t *testing.T, runID string) []ir.SyncItemLog {
	t.Helper()
	items, err := e.store.ListItemLogs(context.Background(), runID)
	require.NoError(t, err)
	return items
}

func (e *env) archives(t *testing.T) []ir.ProvisioningArchive {
	t.Helper()
	out, err := e.store.ListArchives(context.Background(), store.ArchiveFilter{})
	require.NoError(t, err)
	return out
}

func user(uid, cn string) ir.Attrs {
	return ir.Attrs{"uid": ir.Str(uid), "cn": ir.Str(cn)}
}

func situations(items []ir.SyncItemLog) []ir.Situation {
	out := make([]ir.Situation, 0, len(items))
	for _, it := range items {
		out = append(out, it.Situation)
	}
	return out
}

func actionNames(it ir.SyncItemLog) []string {
	var out []string
	for _, a := range it.Actions {
		out = append(out, a.Action)
	}
	return out
}
