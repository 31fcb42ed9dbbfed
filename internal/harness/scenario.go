package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/provsync/internal/connector"
)

// Scenario is a conformance test definition.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description says what the scenario demonstrates.
	Description string `yaml:"description"`

	// Catalog is the catalog directory applied before the first step.
	// Relative paths are resolved against the scenario file.
	Catalog string `yaml:"catalog"`

	// Remote holds the initial objects of each remote system, keyed by
	// system name. Systems without an entry start empty.
	Remote map[string]connector.Fixture `yaml:"remote,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one of the action or world-change
// fields is set.
type Step struct {
	// Sync runs the named sync config.
	Sync string `yaml:"sync,omitempty"`

	// Provision pushes the account with this id; Kind selects CREATE or
	// UPDATE and may be empty to detect it.
	Provision string `yaml:"provision,omitempty"`
	Kind      string `yaml:"kind,omitempty"`

	// Delete removes the account with this id and its remote object.
	Delete string `yaml:"delete,omitempty"`

	// Recover finishes pending operations and stale runs.
	Recover bool `yaml:"recover,omitempty"`

	// Put and Remove change a remote system directly.
	Put    *RemoteObject `yaml:"put,omitempty"`
	Remove *RemoteObject `yaml:"remove,omitempty"`

	// Fail injects connector faults.
	Fail *Fault `yaml:"fail,omitempty"`

	// Advance moves the clock forward, e.g. "5m".
	Advance string `yaml:"advance,omitempty"`

	// Expect checks the outcome of an action step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// RemoteObject addresses one object of a remote system.
type RemoteObject struct {
	System     string         `yaml:"system"`
	EntityType string         `yaml:"entity_type"`
	UID        string         `yaml:"uid"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// Fault makes the next Times calls of Op on UID fail. Empty Op or UID
// match anything. Error is "unavailable" (retryable) or "rejected".
type Fault struct {
	System string `yaml:"system"`
	Op     string `yaml:"op,omitempty"`
	UID    string `yaml:"uid,omitempty"`
	Error  string `yaml:"error"`
	Times  int    `yaml:"times"`
}

// Expect is checked against the outcome of the step it belongs to.
type Expect struct {
	// State is the run state of a sync or the operation state of a
	// provision or delete.
	State string `yaml:"state,omitempty"`

	// Result is the result code of a provision or delete.
	Result string `yaml:"result,omitempty"`

	// Items is the number of items a sync reported.
	Items *int `yaml:"items,omitempty"`
}

// Step operations returned by Step.Op.
const (
	StepSync      = "sync"
	StepProvision = "provision"
	StepDelete    = "delete"
	StepRecover   = "recover"
	StepPut       = "put"
	StepRemove    = "remove"
	StepFail      = "fail"
	StepAdvance   = "advance"
)

// Fault errors.
const (
	FaultUnavailable = "unavailable"
	FaultRejected    = "rejected"
)

// Assertion is a check evaluated after the last step.
type Assertion struct {
	Type string `yaml:"type"`

	// Trace assertions.
	Action  string   `yaml:"action,omitempty"`
	Target  string   `yaml:"target,omitempty"`
	Outcome string   `yaml:"outcome,omitempty"`
	Events  []string `yaml:"events,omitempty"`
	Count   int      `yaml:"count,omitempty"`

	// State assertions.
	System     string         `yaml:"system,omitempty"`
	EntityType string         `yaml:"entity_type,omitempty"`
	UID        string         `yaml:"uid,omitempty"`
	Absent     bool           `yaml:"absent,omitempty"`
	Enabled    *bool          `yaml:"enabled,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`

	// archive_count filters.
	Kind   string `yaml:"kind,omitempty"`
	State  string `yaml:"state,omitempty"`
	Result string `yaml:"result,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertAccount       = "account"
	AssertRemote        = "remote"
	AssertArchiveCount  = "archive_count"
)

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario decodes and validates scenario YAML. A relative catalog
// path is resolved against baseDir.
func ParseScenario(data []byte, baseDir string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Catalog != "" && !filepath.IsAbs(scenario.Catalog) && baseDir != "" {
		scenario.Catalog = filepath.Join(baseDir, scenario.Catalog)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// Op names the step, or "" when no field or more than one is set.
func (s Step) Op() string {
	var kinds []string
	if s.Sync != "" {
		kinds = append(kinds, StepSync)
	}
	if s.Provision != "" {
		kinds = append(kinds, StepProvision)
	}
	if s.Delete != "" {
		kinds = append(kinds, StepDelete)
	}
	if s.Recover {
		kinds = append(kinds, StepRecover)
	}
	if s.Put != nil {
		kinds = append(kinds, StepPut)
	}
	if s.Remove != nil {
		kinds = append(kinds, StepRemove)
	}
	if s.Fail != nil {
		kinds = append(kinds, StepFail)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if _, err := os.Stat(s.Catalog); err != nil {
		return fmt.Errorf("catalog directory not found: %s", s.Catalog)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	kind := step.Op()
	if kind == "" {
		return fmt.Errorf("steps[%d]: exactly one of sync, provision, delete, recover, put, remove, fail, advance is required", index)
	}

	switch kind {
	case StepProvision:
		if step.Kind != "" && step.Kind != "CREATE" && step.Kind != "UPDATE" {
			return fmt.Errorf("steps[%d]: kind must be CREATE or UPDATE, got %q", index, step.Kind)
		}
	case StepPut, StepRemove:
		obj := step.Put
		if obj == nil {
			obj = step.Remove
		}
		if obj.System == "" || obj.EntityType == "" || obj.UID == "" {
			return fmt.Errorf("steps[%d].%s: system, entity_type and uid are required", index, kind)
		}
	case StepFail:
		if step.Fail.System == "" {
			return fmt.Errorf("steps[%d].fail: system is required", index)
		}
		if step.Fail.Error != FaultUnavailable && step.Fail.Error != FaultRejected {
			return fmt.Errorf("steps[%d].fail: error must be %q or %q", index, FaultUnavailable, FaultRejected)
		}
		if step.Fail.Times == 0 {
			return fmt.Errorf("steps[%d].fail: times must be non-zero (negative fails forever)", index)
		}
	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil || d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be a positive duration, got %q", index, step.Advance)
		}
	}

	if step.Kind != "" && kind != StepProvision {
		return fmt.Errorf("steps[%d]: kind only applies to provision", index)
	}
	if step.Expect != nil {
		switch kind {
		case StepSync, StepProvision, StepDelete:
		default:
			return fmt.Errorf("steps[%d]: expect only applies to sync, provision and delete", index)
		}
		if step.Expect.Result != "" && kind == StepSync {
			return fmt.Errorf("steps[%d].expect: result does not apply to sync", index)
		}
		if step.Expect.Items != nil && kind != StepSync {
			return fmt.Errorf("steps[%d].expect: items only applies to sync", index)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertAccount, AssertRemote:
		if a.System == "" || a.EntityType == "" || a.UID == "" {
			return fmt.Errorf("assertions[%d]: system, entity_type and uid are required for %s", index, a.Type)
		}
		if a.Absent && (a.Enabled != nil || len(a.Attributes) > 0) {
			return fmt.Errorf("assertions[%d]: absent excludes enabled and attributes", index)
		}
		if a.Type == AssertRemote && a.Enabled != nil {
			return fmt.Errorf("assertions[%d]: enabled does not apply to remote", index)
		}
	case AssertArchiveCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for archive_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
