package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/catalog"
	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/store"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Step: 0, Action: TraceProvision, Target: "ldap/user/ada", Outcome: "EXCEPTION"},
		{Step: 1, Action: TraceNotify, Target: "log", Outcome: "OPEN"},
		{Step: 1, Action: TraceProvision, Target: "ldap/user/bob", Outcome: "EXCEPTION"},
		{Step: 2, Action: TraceRecover, Outcome: "OK"},
		{Step: 3, Action: TraceProvision, Target: "ldap/user/bob", Outcome: "EXECUTED"},
	}
}

func TestAssertTraceContains(t *testing.T) {
	result := &Result{Trace: sampleTrace()}

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"action only", Assertion{Type: AssertTraceContains, Action: TraceRecover}, false},
		{"action and target", Assertion{Type: AssertTraceContains, Action: TraceProvision, Target: "ldap/user/bob"}, false},
		{"full match", Assertion{Type: AssertTraceContains, Action: TraceProvision, Target: "ldap/user/bob", Outcome: "EXECUTED"}, false},
		{"wrong outcome", Assertion{Type: AssertTraceContains, Action: TraceProvision, Target: "ldap/user/ada", Outcome: "EXECUTED"}, true},
		{"missing action", Assertion{Type: AssertTraceContains, Action: TraceDelete}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(result, []Assertion{tt.assertion}, nil)
			if tt.wantErr {
				require.Len(t, errs, 1)
				assert.Contains(t, errs[0], "trace_contains")
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	result := &Result{Trace: sampleTrace()}

	tests := []struct {
		name    string
		events  []string
		wantErr string
	}{
		{"adjacent", []string{"provision ldap/user/ada", "notify log"}, ""},
		{"gaps allowed", []string{"provision ldap/user/ada", "recover"}, ""},
		{"repeated label", []string{"provision ldap/user/bob", "provision ldap/user/bob"}, ""},
		{"reversed", []string{"notify log", "provision ldap/user/ada"}, `"provision ldap/user/ada" not found after`},
		{"unknown first", []string{"delete ldap/user/ada"}, `"delete ldap/user/ada" not found`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(result, []Assertion{{Type: AssertTraceOrder, Events: tt.events}}, nil)
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestAssertTraceCount(t *testing.T) {
	result := &Result{Trace: sampleTrace()}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Action: TraceProvision, Count: 3},
		{Type: AssertTraceCount, Action: TraceProvision, Outcome: "EXCEPTION", Count: 2},
		{Type: AssertTraceCount, Action: TraceDelete, Count: 0},
	}, nil)
	assert.Empty(t, errs)

	errs = EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Action: TraceNotify, Count: 2},
	}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Expected: 2 occurrences of notify")
	assert.Contains(t, errs[0], "Actual: 1 occurrences")
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceContains,
		Expected: "event delete ldap/user/ada",
		Actual:   "not found in trace",
		Trace:    sampleTrace()[:2],
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "Expected: event delete ldap/user/ada")
	assert.Contains(t, msg, "Full trace:")
	assert.Contains(t, msg, "[1] step 0 provision ldap/user/ada -> EXCEPTION")
	assert.Contains(t, msg, "[2] step 1 notify log -> OPEN")
}

func TestAssertionError_WithoutTrace(t *testing.T) {
	err := &AssertionError{Type: AssertAccount, Expected: "a", Actual: "b"}
	assert.NotContains(t, err.Error(), "Full trace")
}

func TestEvaluateAssertions_StateNeedsContext(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertAccount, System: "ldap", EntityType: "user", UID: "ada"},
		{Type: "bogus"},
	}, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "account requires scenario state")
	assert.Contains(t, errs[1], `unknown assertion type "bogus"`)
}

// newAssertionContext applies the breaker catalog (accounts ada, bob and cy)
// to a fresh store and binds an empty ldap remote.
func newAssertionContext(t *testing.T) *AssertionContext {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cat, err := catalog.Load(filepath.Join("testdata", "catalogs", "breaker"))
	require.NoError(t, err)
	_, err = catalog.Apply(ctx, st, cat, Epoch)
	require.NoError(t, err)

	return &AssertionContext{
		Ctx:     ctx,
		Store:   st,
		Remotes: map[string]*connector.Memory{"ldap": connector.NewMemory("ldap")},
	}
}

func boolPtr(b bool) *bool { return &b }

func TestAssertAccount(t *testing.T) {
	actx := newAssertionContext(t)
	acc := func(a Assertion) Assertion {
		a.Type = AssertAccount
		a.System = "ldap"
		a.EntityType = "user"
		return a
	}

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"exists", acc(Assertion{UID: "ada"}), ""},
		{"enabled", acc(Assertion{UID: "ada", Enabled: boolPtr(true)}), ""},
		{"attribute subset", acc(Assertion{UID: "bob", Attributes: map[string]any{"name": "Bob Kahn"}}), ""},
		{"absent", acc(Assertion{UID: "zed", Absent: true}), ""},
		{"missing", acc(Assertion{UID: "zed"}), "account not found"},
		{"unexpectedly present", acc(Assertion{UID: "cy", Absent: true}), "account ldap/user/cy exists"},
		{"disabled expected", acc(Assertion{UID: "ada", Enabled: boolPtr(false)}), "enabled=true"},
		{"wrong value", acc(Assertion{UID: "ada", Attributes: map[string]any{"name": "Ada"}}), `attribute "name" = Ada Lovelace`},
		{"missing attribute", acc(Assertion{UID: "ada", Attributes: map[string]any{"shell": "/bin/sh"}}), `attribute "shell" not present`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(NewResult(), []Assertion{tt.assertion}, actx)
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestAssertRemote(t *testing.T) {
	actx := newAssertionContext(t)
	actx.Remotes["ldap"].Put("user", "ada", ir.Attrs{"uid": ir.Str("ada"), "cn": ir.Str("Ada"), "gid": ir.Int(100)})

	remote := func(a Assertion) Assertion {
		a.Type = AssertRemote
		a.EntityType = "user"
		if a.System == "" {
			a.System = "ldap"
		}
		return a
	}

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"exists", remote(Assertion{UID: "ada"}), ""},
		{"integer attribute", remote(Assertion{UID: "ada", Attributes: map[string]any{"gid": 100}}), ""},
		{"absent", remote(Assertion{UID: "bob", Absent: true}), ""},
		{"missing", remote(Assertion{UID: "bob"}), "object not found"},
		{"unexpectedly present", remote(Assertion{UID: "ada", Absent: true}), "object exists"},
		{"wrong value", remote(Assertion{UID: "ada", Attributes: map[string]any{"cn": "Ada Lovelace"}}), `attribute "cn" = Ada`},
		{"unknown system", remote(Assertion{System: "ad", UID: "ada"}), `unknown system "ad"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(NewResult(), []Assertion{tt.assertion}, actx)
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestAssertArchiveCount(t *testing.T) {
	actx := newAssertionContext(t)

	archive := func(id, uid string, kind ir.OperationKind, state ir.OperationState, code ir.ResultCode) {
		_, err := actx.Store.ArchiveOperation(actx.Ctx, ir.ProvisioningArchive{
			ID:          "arc-" + id,
			OperationID: "op-" + id,
			SystemID:    "ldap",
			EntityType:  "user",
			UID:         uid,
			Kind:        kind,
			Payload:     ir.Attrs{},
			State:       state,
			ResultCode:  code,
			CreatedBy:   Actor,
			CreatedAt:   Epoch,
			ArchivedAt:  Epoch,
		})
		require.NoError(t, err)
	}
	archive("1", "ada", ir.OpCreate, ir.StateException, ir.ResultConnectorUnavailable)
	archive("2", "ada", ir.OpCreate, ir.StateExecuted, ir.ResultOK)
	archive("3", "bob", ir.OpDelete, ir.StateException, ir.ResultBreakerOpen)

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"all", Assertion{Count: 3}, ""},
		{"by uid", Assertion{UID: "ada", Count: 2}, ""},
		{"by kind", Assertion{Kind: "DELETE", Count: 1}, ""},
		{"by state", Assertion{State: "EXCEPTION", Count: 2}, ""},
		{"by result", Assertion{Result: "OK", Count: 1}, ""},
		{"combined", Assertion{System: "ldap", UID: "ada", State: "EXECUTED", Count: 1}, ""},
		{"none", Assertion{UID: "cy", Count: 0}, ""},
		{"mismatch", Assertion{State: "EXCEPTION", Count: 1}, "2 archive(s): ada CREATE CONNECTOR_UNAVAILABLE; bob DELETE BREAKER_OPEN"},
		{"mismatch unfiltered", Assertion{Count: 0}, "0 archive(s) where (all)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.assertion
			a.Type = AssertArchiveCount
			errs := EvaluateAssertions(NewResult(), []Assertion{a}, actx)
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}
