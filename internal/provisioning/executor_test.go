package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/store"
)

func TestExecuteCreate(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Execute(context.Background(), createReq("ada"))
	require.NoError(t, err)
	assert.Equal(t, ir.StateExecuted, res.State)
	assert.Equal(t, ir.ResultOK, res.ResultCode)
	require.NotNil(t, res.Remote)
	assert.Equal(t, ir.Str("ada"), res.Remote.Attributes["cn"])

	attrs, ok := f.remote.Get("user", "ada")
	require.True(t, ok)
	assert.Equal(t, ir.Attrs{"cn": ir.Str("ada")}, attrs)

	assert.Empty(t, f.pending(t))
	archives := f.archives(t)
	require.Len(t, archives, 1)
	a := archives[0]
	assert.Equal(t, res.OperationID, a.OperationID)
	assert.Equal(t, ir.OpCreate, a.Kind)
	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, "test", a.CreatedBy)
	assert.True(t, a.Succeeded())
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Execute(context.Background(), Request{SystemID: "ldap", Kind: ir.OpCreate})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.exec.Execute(context.Background(), Request{SystemID: "ldap", UID: "ada", Kind: "MOVE"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, f.pending(t))
}

func TestExecuteRetryableFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.Put("user", "ada", ir.Attrs{"cn": ir.Str("ada")})
	f.remote.Fail("update", "ada", errors.New("connection reset"), 1)

	res, err := f.exec.Execute(context.Background(), updateReq("ada", "Ada"))
	require.Error(t, err)

	var oe *OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, ir.ResultConnectorUnavailable, oe.Code)
	assert.Equal(t, ir.StateException, res.State)

	archives := f.archives(t)
	require.Len(t, archives, 1)
	assert.Equal(t, ir.ResultConnectorUnavailable, archives[0].ResultCode)
	assert.Contains(t, archives[0].ResultLog, "connection reset")
	assert.Empty(t, f.pending(t))
}

func TestExecuteFatalFailure(t *testing.T) {
	f := newFixture(t)

	// update of a missing object is rejected by the system
	res, err := f.exec.Execute(context.Background(), updateReq("ghost", "Ghost"))
	require.Error(t, err)
	assert.Equal(t, ir.ResultConnectorRejected, res.ResultCode)
	assert.Equal(t, ir.StateException, res.State)
}

func TestExecuteDeleteOfAbsentObjectSucceeds(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Execute(context.Background(), Request{
		SystemID: "ldap", EntityType: "user", UID: "gone", Kind: ir.OpDelete,
	})
	require.NoError(t, err)
	assert.Equal(t, ir.ResultOK, res.ResultCode)
}

func TestExecuteUnknownSystemIsRejected(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Execute(context.Background(), Request{
		SystemID: "crm", EntityType: "user", UID: "ada", Kind: ir.OpCreate,
	})
	require.Error(t, err)
	assert.Equal(t, ir.ResultConnectorRejected, res.ResultCode)
	assert.ErrorIs(t, err, connector.ErrUnknownSystem)
}

func TestBreakerShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutBreakConfig(ctx, ir.BreakConfig{
		ID: "bc-1", SystemID: "ldap", Threshold: 2, Window: time.Minute, Cooldown: time.Hour,
	}))
	f.remote.Fail("create", "", errors.New("timeout"), -1)

	for _, uid := range []string{"a", "b"} {
		_, err := f.exec.Execute(ctx, createReq(uid))
		require.Error(t, err)
		assert.False(t, IsBreakerOpen(err))
	}
	callsBefore := len(f.remote.Calls())

	res, err := f.exec.Execute(ctx, createReq("c"))
	require.Error(t, err)
	assert.True(t, IsBreakerOpen(err))
	assert.Equal(t, ir.ResultBreakerOpen, res.ResultCode)
	assert.Equal(t, ir.StateException, res.State)
	assert.Equal(t, callsBefore, len(f.remote.Calls()), "no connector call while open")

	a, err := f.store.GetArchiveByOperation(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Contains(t, a.ResultLog, "system suspended")
}

func TestBreakerTrialAfterCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutBreakConfig(ctx, ir.BreakConfig{
		ID: "bc-1", SystemID: "ldap", Threshold: 1, Window: time.Minute, Cooldown: time.Minute,
	}))
	f.remote.Fail("create", "a", errors.New("timeout"), 1)

	_, err := f.exec.Execute(ctx, createReq("a"))
	require.Error(t, err)

	f.clock.Advance(2 * time.Minute)
	res, err := f.exec.Execute(ctx, createReq("b"))
	require.NoError(t, err)
	assert.Equal(t, ir.ResultOK, res.ResultCode)
}

func TestFatalFailuresDoNotTripBreaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutBreakConfig(ctx, ir.BreakConfig{
		ID: "bc-1", SystemID: "ldap", Threshold: 1, Window: time.Minute, Cooldown: time.Hour,
	}))

	for i := range 3 {
		_, err := f.exec.Execute(ctx, updateReq(fmt.Sprintf("missing-%d", i), "x"))
		require.Error(t, err)
		assert.False(t, IsBreakerOpen(err))
	}
}

func TestDuplicateSubmissionMerges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, merged, err := f.exec.submit(ctx, createReq("ada"))
	require.NoError(t, err)
	assert.False(t, merged)

	second, merged, err := f.exec.submit(ctx, createReq("ada"))
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, first, second)
	assert.Len(t, f.pending(t), 1)

	res, err := f.exec.Execute(ctx, createReq("ada"))
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, first, res.OperationID)
	assert.Len(t, f.archives(t), 1)
}

func TestWaitingUpdateTakesLatestPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Put("user", "ada", ir.Attrs{"cn": ir.Str("ada")})

	first, _, err := f.exec.submit(ctx, updateReq("ada", "Ada"))
	require.NoError(t, err)
	second, merged, err := f.exec.submit(ctx, updateReq("ada", "Ada Lovelace"))
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, first, second)

	res, err := f.exec.process(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, ir.Str("Ada Lovelace"), res.Remote.Attributes["cn"])
}

func TestSameUIDIsSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Put("user", "ada", ir.Attrs{"cn": ir.Str("ada")})
	f.remote.SetDelay(5 * time.Millisecond)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.Execute(ctx, updateReq("ada", fmt.Sprintf("v%d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, f.remote.Overlaps())
	assert.Empty(t, f.pending(t))
}

func TestDistinctUIDsArchiveExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.Execute(ctx, createReq(fmt.Sprintf("user-%02d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	archives := f.archives(t)
	assert.Len(t, archives, n)
	seen := map[string]bool{}
	for _, a := range archives {
		assert.False(t, seen[a.OperationID], "archived twice: %s", a.OperationID)
		seen[a.OperationID] = true
	}
	assert.Equal(t, n, f.remote.Len("user"))
}

func TestCancelledCallIsArchived(t *testing.T) {
	f := newFixture(t)
	f.remote.SetDelay(10 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// cancel once the connector call is in flight
		for len(f.remote.Calls()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := f.exec.Execute(ctx, createReq("slow"))
	require.Error(t, err)
	assert.Equal(t, ir.ResultCancelled, res.ResultCode)
	assert.Empty(t, f.pending(t))
}

func TestRequestProvisioningWorkers(t *testing.T) {
	f := newFixture(t, WithWorkers(3))
	ctx := context.Background()
	f.exec.Start(ctx)

	var ids []string
	for i := range 10 {
		id, err := f.exec.RequestProvisioning(ctx, createReq(fmt.Sprintf("u%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	f.exec.Stop()

	for _, id := range ids {
		a, err := f.store.GetArchiveByOperation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ir.ResultOK, a.ResultCode)
	}

	_, err := f.exec.RequestProvisioning(ctx, createReq("late"))
	assert.ErrorIs(t, err, ErrStopped)
	assert.Len(t, f.pending(t), 1, "stays pending for recovery")
}

func TestSequenceResumesFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.exec.Execute(ctx, createReq("a"))
	require.NoError(t, err)
	_, err = f.exec.Execute(ctx, createReq("b"))
	require.NoError(t, err)

	reg := connector.NewRegistry()
	reg.Bind("ldap", f.remote)
	again, err := New(ctx, f.store, reg, WithLogger(quietLogger()))
	require.NoError(t, err)
	res, err := again.Execute(ctx, createReq("c"))
	require.NoError(t, err)

	a, err := f.store.GetArchiveByOperation(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.Seq)
}

func TestArchivedResultForFinishedOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.exec.Execute(ctx, createReq("ada"))
	require.NoError(t, err)

	again, err := f.exec.process(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ir.ResultOK, again.ResultCode)

	_, err = f.exec.process(ctx, "no-such-op")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
