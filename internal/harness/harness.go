package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/provsync/internal/breaker"
	"github.com/roach88/provsync/internal/catalog"
	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/notify"
	"github.com/roach88/provsync/internal/provisioning"
	"github.com/roach88/provsync/internal/reconcile"
	"github.com/roach88/provsync/internal/store"
	"github.com/roach88/provsync/internal/testutil"
)

// Epoch is the fixed start time of every scenario clock.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Actor is recorded as the creator of operations a scenario submits.
const Actor = "harness"

// Harness holds the components of one scenario run.
type Harness struct {
	store   *store.Store
	remotes map[string]*connector.Memory
	exec    *provisioning.Executor
	engine  *reconcile.Engine
	clock   *testutil.FakeClock
	logger  *slog.Logger
	result  *Result
	step    int
}

// Run executes a scenario and returns its result.
//
// Each scenario runs in a fresh in-memory database with the catalog applied
// at Epoch. Expect and assertion failures are reported in the result; an
// error means the scenario itself could not run.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(ctx, st, scenario)
	if err != nil {
		return nil, err
	}
	defer h.engine.Shutdown()

	for i, step := range scenario.Steps {
		h.step = i
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op(), err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Remotes: h.remotes}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(ctx context.Context, st *store.Store, scenario *Scenario) (*Harness, error) {
	cat, err := catalog.Load(scenario.Catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if _, err := catalog.Apply(ctx, st, cat, Epoch); err != nil {
		return nil, fmt.Errorf("failed to apply catalog: %w", err)
	}

	systems, err := st.ListSystems(ctx)
	if err != nil {
		return nil, err
	}
	registry := connector.NewRegistry()
	remotes := make(map[string]*connector.Memory, len(systems))
	for _, sys := range systems {
		m := connector.NewMemory(sys.ID)
		if f, ok := scenario.Remote[sys.Name]; ok {
			if m, err = connector.NewMemoryFromFixture(sys.ID, &f); err != nil {
				return nil, fmt.Errorf("remote %s: %w", sys.Name, err)
			}
		}
		remotes[sys.Name] = m
		registry.Bind(sys.ID, m)
	}
	for name := range scenario.Remote {
		if _, ok := remotes[name]; !ok {
			return nil, fmt.Errorf("remote %s: system not in catalog", name)
		}
	}

	h := &Harness{
		store:   st,
		remotes: remotes,
		clock:   testutil.NewFakeClock(Epoch),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:  NewResult(),
	}

	dispatcher := notify.NewDispatcher()
	dispatcher.Register(notify.KindLog, &traceSender{h: h, kind: notify.KindLog, next: notify.NewLogSender(h.logger)})
	dispatcher.Register(notify.KindAMQP, &traceSender{h: h, kind: notify.KindAMQP})

	brk := breaker.New(st,
		breaker.WithClock(h.clock.Now),
		breaker.WithLogger(h.logger),
		breaker.WithNotifier(dispatcher),
	)
	h.exec, err = provisioning.New(ctx, st, registry,
		provisioning.WithLogger(h.logger),
		provisioning.WithClock(h.clock.Now),
		provisioning.WithIDs(testutil.NewSequenceGenerator("op")),
		provisioning.WithBreaker(brk),
	)
	if err != nil {
		return nil, err
	}
	h.engine = reconcile.New(st, registry, h.exec,
		reconcile.WithLogger(h.logger),
		reconcile.WithClock(h.clock.Now),
		reconcile.WithIDs(testutil.NewSequenceGenerator("sync")),
	)
	return h, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.Op() {
	case StepSync:
		return h.sync(ctx, step)
	case StepProvision:
		res, err := h.exec.ProvisionAccount(ctx, step.Provision, ir.OperationKind(step.Kind), Actor)
		return h.operation(ctx, TraceProvision, step.Provision, step.Expect, res, err)
	case StepDelete:
		res, err := h.exec.DeleteAccount(ctx, step.Delete, Actor)
		return h.operation(ctx, TraceDelete, step.Delete, step.Expect, res, err)
	case StepRecover:
		return h.recover(ctx)
	case StepPut:
		m, err := h.remote(step.Put.System)
		if err != nil {
			return err
		}
		attrs, err := ir.AttrsFromMap(step.Put.Attributes)
		if err != nil {
			return err
		}
		m.Put(step.Put.EntityType, step.Put.UID, attrs)
	case StepRemove:
		m, err := h.remote(step.Remove.System)
		if err != nil {
			return err
		}
		m.Remove(step.Remove.EntityType, step.Remove.UID)
	case StepFail:
		m, err := h.remote(step.Fail.System)
		if err != nil {
			return err
		}
		m.Fail(step.Fail.Op, step.Fail.UID, fault(step.Fail), step.Fail.Times)
	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
	default:
		return errors.New("step has no action")
	}
	return nil
}

func (h *Harness) sync(ctx context.Context, step Step) error {
	log, err := h.engine.Run(ctx, step.Sync)
	if err != nil && log.ID == "" {
		return err
	}
	items, err := h.store.ListItemLogs(ctx, log.ID)
	if err != nil {
		return err
	}

	lines := make([]any, 0, len(items))
	for _, it := range items {
		lines = append(lines, itemLine(it))
	}
	detail := map[string]any{
		"items": lines,
		"mode":  string(log.Mode),
	}
	if log.Error != "" {
		detail["error"] = log.Error
	}
	h.result.AddTrace(TraceEvent{
		Step:    h.step,
		Action:  TraceSync,
		Target:  step.Sync,
		Outcome: string(log.State),
		Detail:  detail,
	})

	if exp := step.Expect; exp != nil {
		h.expect("state", exp.State, string(log.State))
		if exp.Items != nil && *exp.Items != len(items) {
			h.result.AddError(fmt.Sprintf("step %d: expected %d item(s), got %d", h.step, *exp.Items, len(items)))
		}
	}
	return nil
}

// itemLine renders an item as "uid SITUATION OUTCOME action,action".
func itemLine(it ir.SyncItemLog) string {
	parts := []string{it.RemoteUID, string(it.Situation), string(it.Outcome)}
	if len(it.Actions) > 0 {
		names := make([]string, 0, len(it.Actions))
		for _, a := range it.Actions {
			names = append(names, a.Action)
		}
		parts = append(parts, strings.Join(names, ","))
	}
	return strings.Join(parts, " ")
}

func (h *Harness) operation(ctx context.Context, action, accountID string, exp *Expect, res provisioning.Result, err error) error {
	if err != nil && !isOutcome(err) {
		return err
	}
	archived, err := h.store.GetArchiveByOperation(ctx, res.OperationID)
	if err != nil {
		return fmt.Errorf("operation %s not archived: %w", res.OperationID, err)
	}

	h.result.AddTrace(TraceEvent{
		Step:    h.step,
		Action:  action,
		Target:  accountID,
		Outcome: string(res.State),
		Detail: map[string]any{
			"kind":   string(archived.Kind),
			"result": string(res.ResultCode),
		},
	})

	if exp != nil {
		h.expect("state", exp.State, string(res.State))
		h.expect("result", exp.Result, string(res.ResultCode))
	}
	return nil
}

func (h *Harness) recover(ctx context.Context) error {
	ops, err := h.exec.Recover(ctx)
	if err != nil {
		return err
	}
	runs, err := h.engine.RecoverStale(ctx)
	if err != nil {
		return err
	}
	h.result.AddTrace(TraceEvent{
		Step:    h.step,
		Action:  TraceRecover,
		Outcome: "OK",
		Detail:  map[string]any{"operations": ops, "runs": runs},
	})
	return nil
}

func (h *Harness) expect(field, want, got string) {
	if want != "" && want != got {
		h.result.AddError(fmt.Sprintf("step %d: expected %s %s, got %s", h.step, field, want, got))
	}
}

func (h *Harness) remote(system string) (*connector.Memory, error) {
	m, ok := h.remotes[system]
	if !ok {
		names := make([]string, 0, len(h.remotes))
		for name := range h.remotes {
			names = append(names, name)
		}
		slices.Sort(names)
		return nil, fmt.Errorf("unknown remote system %q (known: %s)", system, strings.Join(names, ", "))
	}
	return m, nil
}

func fault(f *Fault) error {
	op := f.Op
	if op == "" {
		op = "call"
	}
	cause := errors.New("injected fault")
	if f.Error == FaultRejected {
		return connector.Rejected(op, f.System, cause)
	}
	return connector.Unavailable(op, f.System, cause)
}

// isOutcome reports whether err describes an archived operation result.
func isOutcome(err error) bool {
	var oe *provisioning.OperationError
	return provisioning.IsBreakerOpen(err) || errors.As(err, &oe)
}

// traceSender records break notifications in the trace and forwards them
// to next when set.
type traceSender struct {
	h    *Harness
	kind string
	next notify.Sender
}

func (s *traceSender) Send(ctx context.Context, target string, ev breaker.Event) error {
	label := s.kind
	if target != "" {
		label += ":" + target
	}
	s.h.result.AddTrace(TraceEvent{
		Step:    s.h.step,
		Action:  TraceNotify,
		Target:  label,
		Outcome: string(ev.NewState),
		Detail: map[string]any{
			"failures": ev.FailureCount,
			"kind":     ev.Kind,
			"previous": string(ev.PreviousState),
			"system":   ev.System,
		},
	})
	if s.next == nil {
		return nil
	}
	return s.next.Send(ctx, target, ev)
}
