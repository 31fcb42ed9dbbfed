package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/provisioning"
	"github.com/roach88/provsync/internal/store"
)

var (
	// ErrRunInProgress is returned when a run for the same (system, entity
	// type) is already active.
	ErrRunInProgress = errors.New("sync run already in progress")

	// ErrConfigDisabled is returned for disabled sync configs.
	ErrConfigDisabled = errors.New("sync config disabled")

	// ErrUnknownRun is returned by Wait for run ids this engine never started.
	ErrUnknownRun = errors.New("unknown sync run")
)

// Connectors resolves the connector bound to a system.
type Connectors = provisioning.Connectors

// Provisioner executes remote corrections. *provisioning.Executor
// satisfies it.
type Provisioner interface {
	Execute(ctx context.Context, req provisioning.Request) (provisioning.Result, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs sets the generator for run, item, action and account ids.
func WithIDs(g ir.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// Run describes an active run.
type Run struct {
	ID         string
	ConfigID   string
	SystemID   string
	EntityType string
	StartedAt  time.Time
}

type targetKey struct {
	system     string
	entityType string
}

type activeRun struct {
	info   Run
	cancel context.CancelFunc
	done   chan struct{}
	log    ir.SyncLog
	err    error
}

// Engine runs reconciliations. Runs for different (system, entity type)
// pairs proceed concurrently; a second run for the same pair is rejected.
type Engine struct {
	store      *store.Store
	connectors Connectors
	exec       Provisioner
	logger     *slog.Logger
	now        func() time.Time
	ids        ir.IDGenerator

	mu      sync.Mutex
	active  map[targetKey]*activeRun
	runs    map[string]*activeRun
	running sync.WaitGroup
}

// New creates an engine.
func New(st *store.Store, connectors Connectors, exec Provisioner, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		connectors: connectors,
		exec:       exec,
		logger:     slog.Default(),
		now:        time.Now,
		ids:        ir.UUIDv7Generator{},
		active:     make(map[targetKey]*activeRun),
		runs:       make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one reconciliation of the config named by id or name and
// returns its closed log. Item failures and cancellation are reported
// through the log state; the error is non-nil only when the run could not
// start or hit a run-fatal failure.
func (e *Engine) Run(ctx context.Context, config string) (ir.SyncLog, error) {
	id, err := e.Start(ctx, config)
	if err != nil {
		return ir.SyncLog{}, err
	}
	return e.Wait(ctx, id)
}

// Start begins a run in the background and returns its id.
func (e *Engine) Start(ctx context.Context, config string) (string, error) {
	cfg, err := e.lookupConfig(ctx, config)
	if err != nil {
		return "", err
	}
	if !cfg.Enabled {
		return "", fmt.Errorf("%w: %s", ErrConfigDisabled, cfg.Name)
	}

	key := targetKey{system: cfg.SystemID, entityType: cfg.EntityType}
	run := &activeRun{
		info: Run{
			ID:         e.ids.Generate(),
			ConfigID:   cfg.ID,
			SystemID:   cfg.SystemID,
			EntityType: cfg.EntityType,
			StartedAt:  e.now(),
		},
		done: make(chan struct{}),
	}

	e.mu.Lock()
	if other, busy := e.active[key]; busy {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s/%s (run %s)", ErrRunInProgress, cfg.SystemID, cfg.EntityType, other.info.ID)
	}
	e.active[key] = run
	e.mu.Unlock()

	r, err := e.prepare(ctx, cfg, run.info)
	if err != nil {
		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel

	e.mu.Lock()
	e.runs[run.info.ID] = run
	e.mu.Unlock()

	e.running.Add(1)
	go func() {
		defer e.running.Done()
		defer cancel()
		run.log, run.err = r.execute(runCtx)

		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
		close(run.done)
	}()
	return run.info.ID, nil
}

// Wait blocks until the run finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (ir.SyncLog, error) {
	e.mu.Lock()
	run, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return ir.SyncLog{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	select {
	case <-run.done:
		return run.log, run.err
	case <-ctx.Done():
		return ir.SyncLog{}, ctx.Err()
	}
}

// Cancel asks a run to stop at the next item boundary. Returns false when
// the run is not active.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[runID]
	if !ok {
		return false
	}
	select {
	case <-run.done:
		return false
	default:
	}
	run.cancel()
	return true
}

// Active lists the runs in progress, oldest first.
func (e *Engine) Active() []Run {
	e.mu.Lock()
	out := make([]Run, 0, len(e.active))
	for _, run := range e.active {
		out = append(out, run.info)
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b Run) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Shutdown cancels every active run and waits for them to close their logs.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, run := range e.active {
		if run.cancel != nil {
			run.cancel()
		}
	}
	e.mu.Unlock()
	e.running.Wait()
}

// RecoverStale closes RUNNING logs that no run of this engine owns, which
// happens when a process exits mid-run. They end FINISHED_WITH_ERROR with
// the items committed before the exit.
func (e *Engine) RecoverStale(ctx context.Context) (int, error) {
	logs, err := e.store.ListSyncLogs(ctx, store.SyncLogFilter{State: ir.RunRunning})
	if err != nil {
		return 0, fmt.Errorf("recover stale runs: %w", err)
	}

	e.mu.Lock()
	owned := make(map[string]bool, len(e.runs))
	for id, run := range e.runs {
		select {
		case <-run.done:
		default:
			owned[id] = true
		}
	}
	e.mu.Unlock()

	n := 0
	for _, l := range logs {
		if owned[l.ID] {
			continue
		}
		summary, err := e.store.CloseSyncLog(ctx, store.CloseRun{
			ID:      l.ID,
			State:   ir.RunFinishedWithError,
			EndedAt: e.now(),
			Error:   "interrupted: process exited during run",
		})
		if errors.Is(err, store.ErrNotFound) {
			continue // closed concurrently
		}
		if err != nil {
			return n, fmt.Errorf("recover stale runs: %w", err)
		}
		e.logger.Warn("closed stale sync run",
			"event", "sync_run_recovered",
			"run", l.ID,
			"system", l.SystemID,
			"entity_type", l.EntityType,
			"items", summary.Items,
		)
		n++
	}
	return n, nil
}

func (e *Engine) lookupConfig(ctx context.Context, config string) (ir.SyncConfig, error) {
	cfg, err := e.store.GetSyncConfig(ctx, config)
	if errors.Is(err, store.ErrNotFound) {
		cfg, err = e.store.GetSyncConfigByName(ctx, config)
	}
	if err != nil {
		return ir.SyncConfig{}, fmt.Errorf("sync config %q: %w", config, err)
	}
	return cfg, nil
}
