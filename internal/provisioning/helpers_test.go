package provisioning

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/breaker"
	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/store"
	"github.com/roach88/provsync/internal/testutil"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type fixture struct {
	store   *store.Store
	remote  *connector.Memory
	breaker *breaker.Breaker
	clock   *testutil.FakeClock
	exec    *Executor
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture opens a temp store with system "ldap" bound to a memory
// connector and builds an executor over it.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "provsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.PutSystem(ctx, ir.System{ID: "ldap", Name: "ldap", ConnectorType: "memory"}))

	remote := connector.NewMemory("ldap")
	reg := connector.NewRegistry()
	reg.Bind("ldap", remote)

	clock := testutil.NewFakeClock(testEpoch)
	br := breaker.New(st, breaker.WithClock(clock.Now), breaker.WithLogger(quietLogger()))

	base := []Option{
		WithLogger(quietLogger()),
		WithClock(clock.Now),
		WithIDs(testutil.NewSequenceGenerator("id")),
		WithBreaker(br),
	}
	exec, err := New(ctx, st, reg, append(base, opts...)...)
	require.NoError(t, err)

	return &fixture{store: st, remote: remote, breaker: br, clock: clock, exec: exec}
}

func (f *fixture) archives(t *testing.T) []ir.ProvisioningArchive {
	t.Helper()
	out, err := f.store.ListArchives(context.Background(), store.ArchiveFilter{})
	require.NoError(t, err)
	return out
}

func (f *fixture) pending(t *testing.T) []ir.ProvisioningOperation {
	t.Helper()
	out, err := f.store.ListPendingOperations(context.Background())
	require.NoError(t, err)
	return out
}

func (f *fixture) account(t *testing.T, id, uid string, attrs ir.Attrs) ir.Account {
	t.Helper()
	a := ir.Account{
		ID: id, SystemID: "ldap", EntityType: "user", UID: uid, Enabled: true,
		Attributes: attrs, CreatedAt: testEpoch, UpdatedAt: testEpoch,
	}
	require.NoError(t, f.store.CreateAccount(context.Background(), a))
	return a
}

func createReq(uid string) Request {
	return Request{
		SystemID: "ldap", EntityType: "user", UID: uid, Kind: ir.OpCreate,
		Payload: ir.Attrs{"cn": ir.Str(uid)}, Actor: "test",
	}
}

func updateReq(uid, cn string) Request {
	return Request{
		SystemID: "ldap", EntityType: "user", UID: uid, Kind: ir.OpUpdate,
		Payload: ir.Attrs{"cn": ir.Str(cn)}, Actor: "test",
	}
}
