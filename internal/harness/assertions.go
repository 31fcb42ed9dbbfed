package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent // attached for trace assertions
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s -> %s\n", i+1, event.Step, event.Label(), event.Outcome)
		}
	}
	return buf.String()
}

// AssertionContext gives state assertions access to the scenario's store
// and remote systems.
type AssertionContext struct {
	Ctx     context.Context
	Store   *store.Store
	Remotes map[string]*connector.Memory
}

// EvaluateAssertions evaluates every assertion against the result and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertAccount, AssertRemote, AssertArchiveCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires scenario state", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertAccount:
				err = assertAccount(actx.Ctx, actx.Store, assertion)
			case AssertRemote:
				err = assertRemote(actx.Remotes, assertion)
			default:
				err = assertArchiveCount(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// matchesEvent reports whether ev has the assertion's action and, when set,
// its target and outcome.
func matchesEvent(ev TraceEvent, a Assertion) bool {
	if ev.Action != a.Action {
		return false
	}
	if a.Target != "" && ev.Target != a.Target {
		return false
	}
	return a.Outcome == "" || ev.Outcome == a.Outcome
}

func describe(a Assertion) string {
	parts := []string{a.Action}
	if a.Target != "" {
		parts = append(parts, a.Target)
	}
	if a.Outcome != "" {
		parts = append(parts, "-> "+a.Outcome)
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchesEvent(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event %s", describe(a)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the events labelled a.Events occur in that
// order. Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Events) && ev.Label() == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}

	actual := fmt.Sprintf("%q not found after %q", a.Events[next], a.Events[:next])
	if next == 0 {
		actual = fmt.Sprintf("%q not found", a.Events[0])
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order: %s", strings.Join(a.Events, ", ")),
		Actual:   actual,
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchesEvent(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func objectName(a Assertion) string {
	return a.System + "/" + a.EntityType + "/" + a.UID
}

func assertAccount(ctx context.Context, st *store.Store, a Assertion) error {
	acc, err := st.FindAccount(ctx, a.System, a.EntityType, a.UID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if a.Absent {
			return nil
		}
		return &AssertionError{Type: AssertAccount, Expected: "account " + objectName(a), Actual: "account not found"}
	case err != nil:
		return fmt.Errorf("account assertion: %w", err)
	case a.Absent:
		return &AssertionError{Type: AssertAccount, Expected: "no account " + objectName(a), Actual: "account " + acc.ID + " exists"}
	}

	if a.Enabled != nil && *a.Enabled != acc.Enabled {
		return &AssertionError{
			Type:     AssertAccount,
			Expected: fmt.Sprintf("account %s enabled=%t", objectName(a), *a.Enabled),
			Actual:   fmt.Sprintf("enabled=%t", acc.Enabled),
		}
	}
	return attributesMatch(AssertAccount, objectName(a), acc.Attributes, a.Attributes)
}

func assertRemote(remotes map[string]*connector.Memory, a Assertion) error {
	m, ok := remotes[a.System]
	if !ok {
		return fmt.Errorf("remote assertion: unknown system %q", a.System)
	}
	attrs, found := m.Get(a.EntityType, a.UID)
	switch {
	case !found && a.Absent:
		return nil
	case !found:
		return &AssertionError{Type: AssertRemote, Expected: "remote object " + objectName(a), Actual: "object not found"}
	case a.Absent:
		return &AssertionError{Type: AssertRemote, Expected: "no remote object " + objectName(a), Actual: "object exists"}
	}
	return attributesMatch(AssertRemote, objectName(a), attrs, a.Attributes)
}

// attributesMatch checks that actual holds every expected attribute. Extra
// attributes are ignored.
func attributesMatch(kind, name string, actual ir.Attrs, expected map[string]any) error {
	want, err := ir.AttrsFromMap(expected)
	if err != nil {
		return fmt.Errorf("%s assertion: %w", kind, err)
	}
	for _, key := range want.SortedKeys() {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s attribute %q = %s", name, key, ir.AsString(want[key])),
				Actual:   fmt.Sprintf("attribute %q not present", key),
			}
		}
		if !ir.Equal(got, want[key]) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s attribute %q = %s", name, key, ir.AsString(want[key])),
				Actual:   fmt.Sprintf("attribute %q = %s", key, ir.AsString(got)),
			}
		}
	}
	return nil
}

func assertArchiveCount(ctx context.Context, st *store.Store, a Assertion) error {
	archives, err := st.ListArchives(ctx, store.ArchiveFilter{
		SystemID:   a.System,
		EntityType: a.EntityType,
		UID:        a.UID,
		Kind:       ir.OperationKind(a.Kind),
		State:      ir.OperationState(a.State),
		ResultCode: ir.ResultCode(a.Result),
	})
	if err != nil {
		return fmt.Errorf("archive_count assertion: %w", err)
	}
	if len(archives) == a.Count {
		return nil
	}

	var filters []string
	for _, f := range [][2]string{
		{"system", a.System}, {"entity_type", a.EntityType}, {"uid", a.UID},
		{"kind", a.Kind}, {"state", a.State}, {"result", a.Result},
	} {
		if f[1] != "" {
			filters = append(filters, f[0]+"="+f[1])
		}
	}
	where := "(all)"
	if len(filters) > 0 {
		where = strings.Join(filters, " ")
	}
	codes := make([]string, 0, len(archives))
	for _, arc := range archives {
		codes = append(codes, fmt.Sprintf("%s %s %s", arc.UID, arc.Kind, arc.ResultCode))
	}
	slices.Sort(codes)
	return &AssertionError{
		Type:     AssertArchiveCount,
		Expected: fmt.Sprintf("%d archive(s) where %s", a.Count, where),
		Actual:   fmt.Sprintf("%d archive(s): %s", len(archives), strings.Join(codes, "; ")),
	}
}
