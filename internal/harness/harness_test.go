package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/ir"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_ExampleScenariosPass(t *testing.T) {
	for _, name := range []string{
		"remote_authoritative_sync",
		"breaker_trips_and_recovers",
		"hierarchical_sync",
		"local_authoritative_push",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
			assert.NotEmpty(t, result.Trace)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s := loadTestScenario(t, "breaker_trips_and_recovers")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: first.Trace}).Canonical()
	require.NoError(t, err)
	b, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: second.Trace}).Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_BreakerTrace(t *testing.T) {
	result, err := Run(loadTestScenario(t, "breaker_trips_and_recovers"))
	require.NoError(t, err)

	var labels []string
	for _, ev := range result.Trace {
		labels = append(labels, ev.Label()+" -> "+ev.Outcome)
	}
	assert.Equal(t, []string{
		"provision ldap/user/ada -> EXCEPTION",
		"notify log -> OPEN",
		"notify amqp:provsync.events -> OPEN",
		"provision ldap/user/bob -> EXCEPTION",
		"provision ldap/user/cy -> EXCEPTION",
		"provision ldap/user/cy -> EXECUTED",
		"provision ldap/user/ada -> EXECUTED",
		"delete ldap/user/cy -> EXECUTED",
	}, labels)

	// bob's provision is the second failure and trips the circuit; its
	// notifications are traced before the provision event itself.
	notify := result.Trace[1]
	assert.Equal(t, 2, notify.Step)
	assert.Equal(t, 2, result.Trace[2].Step)
	assert.Equal(t, 2, result.Trace[3].Step)
	assert.Equal(t, map[string]any{
		"failures": 2,
		"kind":     "*",
		"previous": "CLOSED",
		"system":   "ldap",
	}, notify.Detail)

	shortCircuit := result.Trace[4]
	assert.Equal(t, "BREAKER_OPEN", shortCircuit.Detail["result"])
	assert.Equal(t, "CREATE", shortCircuit.Detail["kind"])
}

func TestRun_SyncTraceDetail(t *testing.T) {
	result, err := Run(loadTestScenario(t, "remote_authoritative_sync"))
	require.NoError(t, err)
	require.Len(t, result.Trace, 3)

	first := result.Trace[0]
	assert.Equal(t, TraceSync, first.Action)
	assert.Equal(t, "users", first.Target)
	assert.Equal(t, "FINISHED", first.Outcome)
	assert.Equal(t, "full", first.Detail["mode"])
	assert.Equal(t, []any{
		"ada CREATE_ENTITY SUCCESS create_account",
		"bob CREATE_ENTITY SUCCESS create_account",
	}, first.Detail["items"])

	assert.Equal(t, "delta", result.Trace[1].Detail["mode"])
	assert.Equal(t, []any{}, result.Trace[2].Detail["items"])
}

func TestRun_ExpectMismatchReported(t *testing.T) {
	s := loadTestScenario(t, "remote_authoritative_sync")
	items := 5
	s.Steps[0].Expect = &Expect{State: "FAILED", Items: &items}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "step 0: expected state FAILED, got FINISHED")
	assert.Contains(t, result.Errors, "step 0: expected 5 item(s), got 2")
}

func TestRun_AssertionFailureReported(t *testing.T) {
	s := loadTestScenario(t, "local_authoritative_push")
	s.Assertions = []Assertion{{Type: AssertArchiveCount, Count: 7}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "7 archive(s) where (all)")
}

func TestRun_FaultRejectedIsNotRetried(t *testing.T) {
	s := loadTestScenario(t, "breaker_trips_and_recovers")
	s.Steps = []Step{
		{Fail: &Fault{System: "ldap", Op: "create", UID: "ada", Error: FaultRejected, Times: 1}},
		{Provision: "ldap/user/ada", Kind: "CREATE", Expect: &Expect{State: "EXCEPTION", Result: "CONNECTOR_REJECTED"}},
		{Provision: "ldap/user/bob", Kind: "CREATE", Expect: &Expect{State: "EXECUTED", Result: "OK"}},
	}
	s.Assertions = []Assertion{{Type: AssertTraceCount, Action: TraceNotify, Count: 0}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RecoverStep(t *testing.T) {
	s := loadTestScenario(t, "remote_authoritative_sync")
	s.Steps = []Step{{Recover: true}}
	s.Assertions = []Assertion{{Type: AssertTraceContains, Action: TraceRecover, Outcome: "OK"}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, map[string]any{"operations": 0, "runs": 0}, result.Trace[0].Detail)
}

func TestRun_UnknownRemoteSystem(t *testing.T) {
	s := loadTestScenario(t, "remote_authoritative_sync")
	s.Steps = []Step{{Put: &RemoteObject{System: "ad", EntityType: "user", UID: "x"}}}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0 (put)")
	assert.Contains(t, err.Error(), `unknown remote system "ad" (known: ldap)`)
}

func TestRun_RemoteFixtureForUnknownSystem(t *testing.T) {
	s := loadTestScenario(t, "remote_authoritative_sync")
	s.Remote["ad"] = s.Remote["ldap"]

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote ad: system not in catalog")
}

func TestRun_UnknownAccount(t *testing.T) {
	s := loadTestScenario(t, "breaker_trips_and_recovers")
	s.Steps = []Step{{Provision: "ldap/user/nobody", Kind: "CREATE"}}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0 (provision)")
}

func TestItemLine(t *testing.T) {
	assert.Equal(t, "bob UNRESOLVED_PARENT IGNORED", itemLine(ir.SyncItemLog{
		RemoteUID: "bob",
		Situation: ir.SituationUnresolvedParent,
		Outcome:   ir.OutcomeIgnored,
	}))
	assert.Equal(t, "ada UPDATE_ENTITY SUCCESS update_local,apply", itemLine(ir.SyncItemLog{
		RemoteUID: "ada",
		Situation: ir.SituationUpdateEntity,
		Outcome:   ir.OutcomeSuccess,
		Actions:   []ir.SyncActionLog{{Action: "update_local"}, {Action: "apply"}},
	}))
}

func TestTraceEventLabel(t *testing.T) {
	assert.Equal(t, "recover", TraceEvent{Action: TraceRecover}.Label())
	assert.Equal(t, "sync users", TraceEvent{Action: TraceSync, Target: "users"}.Label())
}
