package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGolden_ExampleScenarios(t *testing.T) {
	for _, name := range []string{
		"remote_authoritative_sync",
		"breaker_trips_and_recovers",
		"hierarchical_sync",
		"local_authoritative_push",
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, loadTestScenario(t, name)))
		})
	}
}

func TestTraceSnapshot_Canonical(t *testing.T) {
	snapshot := TraceSnapshot{
		ScenarioName: "tiny",
		Trace: []TraceEvent{
			{Step: 0, Action: TraceRecover, Outcome: "OK", Detail: map[string]any{"runs": 0, "operations": 1}},
			{Step: 1, Action: TraceProvision, Target: "ldap/user/ada", Outcome: "EXECUTED"},
		},
	}

	data, err := snapshot.Canonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"tiny","trace":[`+
			`{"action":"recover","detail":{"operations":1,"runs":0},"outcome":"OK","step":0,"target":""},`+
			`{"action":"provision","outcome":"EXECUTED","step":1,"target":"ldap/user/ada"}]}`,
		string(data))
}

func TestTraceSnapshot_EmptyTrace(t *testing.T) {
	data, err := (&TraceSnapshot{ScenarioName: "empty"}).Canonical()
	require.NoError(t, err)
	assert.Equal(t, `{"scenario_name":"empty","trace":[]}`, string(data))
}
