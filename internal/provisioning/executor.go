package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/provsync/internal/breaker"
	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/store"
)

// Request is one provisioning change.
type Request struct {
	SystemID   string
	EntityType string
	UID        string
	AccountID  string
	Kind       ir.OperationKind
	Payload    ir.Attrs
	Actor      string
}

func (r Request) validate() error {
	switch {
	case r.SystemID == "":
		return fmt.Errorf("%w: missing system", ErrInvalidRequest)
	case r.UID == "":
		return fmt.Errorf("%w: missing uid", ErrInvalidRequest)
	case !r.Kind.Valid():
		return fmt.Errorf("%w: kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// Result is the outcome of one operation.
type Result struct {
	OperationID string
	Merged      bool // the submission joined an existing pending operation
	State       ir.OperationState
	ResultCode  ir.ResultCode
	Remote      *connector.RemoteObject // stored object after create/update
}

// Connectors resolves the connector bound to a system.
// *connector.Registry satisfies it.
type Connectors interface {
	Get(systemID string) (connector.Connector, error)
}

// Gate is the break policy as seen by the executor.
// *breaker.Breaker satisfies it.
type Gate interface {
	Allow(ctx context.Context, system string, kind ir.OperationKind) (breaker.Permit, error)
	RecordSuccess(p breaker.Permit)
	RecordFailure(ctx context.Context, p breaker.Permit)
	RecordNeutral(p breaker.Permit)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock sets the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithIDs sets the generator for operation and archive ids.
func WithIDs(g ir.IDGenerator) Option {
	return func(e *Executor) { e.ids = g }
}

// WithBreaker sets the break policy. Without one, calls are never
// short-circuited.
func WithBreaker(g Gate) Option {
	return func(e *Executor) { e.gate = g }
}

// WithWorkers sets the size of the asynchronous worker pool. Default 4.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// flight is one in-progress processing of an operation. Callers merged
// into the same operation wait on done and share the result.
type flight struct {
	done   chan struct{}
	result Result
	err    error
}

// Executor runs provisioning operations.
type Executor struct {
	store      *store.Store
	connectors Connectors
	gate       Gate
	logger     *slog.Logger
	now        func() time.Time
	ids        ir.IDGenerator
	workers    int

	clock *seqClock
	locks *uidLocks
	queue *opQueue

	// submitMu makes the merge check plus insert atomic, and orders payload
	// replacement against the CREATED → RUNNING transition.
	submitMu sync.Mutex

	flightMu sync.Mutex
	flights  map[string]*flight

	startOnce sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// New creates an executor. The logical clock resumes from the highest
// sequence number in st.
func New(ctx context.Context, st *store.Store, connectors Connectors, opts ...Option) (*Executor, error) {
	seq, err := st.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume sequence: %w", err)
	}
	e := &Executor{
		store:      st,
		connectors: connectors,
		logger:     slog.Default(),
		now:        time.Now,
		ids:        ir.UUIDv7Generator{},
		workers:    4,
		clock:      newSeqClockAt(seq),
		locks:      newUIDLocks(),
		queue:      newOpQueue(),
		flights:    make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute persists req and runs it to completion. A connector failure is
// returned as an *OperationError alongside the archived Result; an open
// breaker as a *BreakerOpenError.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	opID, merged, err := e.submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	res, err := e.process(ctx, opID)
	res.Merged = merged
	return res, err
}

// RequestProvisioning persists req and hands it to the worker pool. It
// returns the operation id without waiting for the outcome.
func (e *Executor) RequestProvisioning(ctx context.Context, req Request) (string, error) {
	opID, _, err := e.submit(ctx, req)
	if err != nil {
		return "", err
	}
	if !e.queue.Enqueue(opID) {
		// stays pending; Recover picks it up
		return opID, ErrStopped
	}
	return opID, nil
}

// Start launches the worker pool. Workers exit when ctx is done or Stop is
// called.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.work(ctx, i)
		}
		e.logger.Info("executor started", "event", "executor_started", "workers", e.workers)
	})
}

// Stop closes the queue, lets workers finish what is queued and waits for
// them.
func (e *Executor) Stop() {
	e.queue.Close()
	e.wg.Wait()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Executor) work(ctx context.Context, worker int) {
	defer e.wg.Done()
	for {
		opID, ok := e.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if _, err := e.process(ctx, opID); err != nil {
			e.logger.Debug("queued operation failed",
				"worker", worker,
				"operation", opID,
				"error", err,
			)
		}
	}
}

// submit persists req as a CREATED operation, or merges it into a pending
// one. Returns the id of the operation that will carry the change.
func (e *Executor) submit(ctx context.Context, req Request) (opID string, merged bool, err error) {
	if err := req.validate(); err != nil {
		return "", false, err
	}
	payload := req.Payload
	if payload == nil {
		payload = ir.Attrs{}
	}
	hash, err := ir.PayloadHash(payload)
	if err != nil {
		return "", false, fmt.Errorf("submit: %w", err)
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	pending, err := e.store.FindPendingOperations(ctx, req.SystemID, req.EntityType, req.UID, req.Kind)
	if err != nil {
		return "", false, fmt.Errorf("submit: %w", err)
	}
	for _, op := range pending {
		if op.PayloadHash == hash {
			e.logger.Debug("submission merged into pending operation",
				"event", "operation_merged",
				"operation", op.ID,
				"system", req.SystemID,
				"uid", req.UID,
			)
			return op.ID, true, nil
		}
	}
	if req.Kind == ir.OpUpdate {
		for i := len(pending) - 1; i >= 0; i-- {
			op := pending[i]
			if op.State != ir.StateCreated {
				continue
			}
			replaced, err := e.store.ReplaceOperationPayload(ctx, op.ID, payload, hash, e.now())
			if err != nil {
				return "", false, fmt.Errorf("submit: %w", err)
			}
			if replaced {
				e.logger.Debug("waiting update replaced by newer payload",
					"event", "operation_replaced",
					"operation", op.ID,
					"system", req.SystemID,
					"uid", req.UID,
				)
				return op.ID, true, nil
			}
		}
	}

	now := e.now()
	seq := e.clock.Next()
	op := ir.ProvisioningOperation{
		ID:             e.ids.Generate(),
		SystemID:       req.SystemID,
		EntityType:     req.EntityType,
		UID:            req.UID,
		AccountID:      req.AccountID,
		Kind:           req.Kind,
		Payload:        payload,
		PayloadHash:    hash,
		Seq:            seq,
		IdempotencyKey: ir.IdempotencyKey(req.SystemID, req.UID, req.Kind, seq),
		State:          ir.StateCreated,
		CreatedBy:      req.Actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := e.store.InsertOperation(ctx, op)
	if err != nil {
		return "", false, fmt.Errorf("submit: %w", err)
	}
	if !inserted {
		return "", false, fmt.Errorf("submit: idempotency key %s already used", op.IdempotencyKey)
	}
	e.logger.Debug("operation created",
		"event", "operation_created",
		"operation", op.ID,
		"system", op.SystemID,
		"uid", op.UID,
		"kind", op.Kind,
		"seq", op.Seq,
	)
	return op.ID, false, nil
}

// process runs opID once. Concurrent callers for the same operation share
// one run.
func (e *Executor) process(ctx context.Context, opID string) (Result, error) {
	e.flightMu.Lock()
	if f, ok := e.flights[opID]; ok {
		e.flightMu.Unlock()
		select {
		case <-f.done:
			return f.result, f.err
		case <-ctx.Done():
			return Result{OperationID: opID}, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	e.flights[opID] = f
	e.flightMu.Unlock()

	f.result, f.err = e.run(ctx, opID)

	e.flightMu.Lock()
	delete(e.flights, opID)
	e.flightMu.Unlock()
	close(f.done)
	return f.result, f.err
}

func (e *Executor) run(ctx context.Context, opID string) (Result, error) {
	op, err := e.store.GetOperation(ctx, opID)
	if errors.Is(err, store.ErrNotFound) {
		return e.archivedResult(ctx, opID)
	}
	if err != nil {
		return Result{OperationID: opID}, err
	}

	key := lockKey{system: op.SystemID, uid: op.UID}
	release, waited, err := e.locks.acquire(ctx, key)
	if waited {
		e.logger.Info("operation queued behind another change",
			"event", "concurrent_modification",
			"operation", opID,
			"system", op.SystemID,
			"uid", op.UID,
			"error", ErrConcurrentModification,
		)
	}
	if err != nil {
		return Result{OperationID: opID, State: ir.StateCreated}, err
	}
	defer release()

	op, permit, err := e.begin(ctx, opID)
	if errors.Is(err, store.ErrNotFound) {
		return e.archivedResult(ctx, opID)
	}
	if err != nil {
		if breaker.IsOpen(err) {
			return e.shortCircuit(ctx, op, err)
		}
		return Result{OperationID: opID}, err
	}
	return e.call(ctx, op, permit)
}

// begin re-reads the operation and moves it to RUNNING unless the break
// policy refuses the call.
func (e *Executor) begin(ctx context.Context, opID string) (ir.ProvisioningOperation, breaker.Permit, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	op, err := e.store.GetOperation(ctx, opID)
	if err != nil {
		return op, breaker.Permit{}, err
	}
	var permit breaker.Permit
	if e.gate != nil {
		permit, err = e.gate.Allow(ctx, op.SystemID, op.Kind)
		if err != nil {
			return op, breaker.Permit{}, err
		}
	}
	if err := e.store.SetOperationState(ctx, op.ID, ir.StateRunning, e.now()); err != nil {
		if e.gate != nil {
			e.gate.RecordNeutral(permit)
		}
		return op, breaker.Permit{}, err
	}
	op.State = ir.StateRunning
	return op, permit, nil
}

func (e *Executor) shortCircuit(ctx context.Context, op ir.ProvisioningOperation, cause error) (Result, error) {
	e.logger.Warn("operation short-circuited",
		"event", "breaker_short_circuit",
		"operation", op.ID,
		"system", op.SystemID,
		"uid", op.UID,
		"kind", op.Kind,
	)
	res, err := e.finish(ctx, op, ir.StateException, ir.ResultBreakerOpen, "system suspended: "+cause.Error(), nil)
	if err != nil {
		return res, err
	}
	return res, &BreakerOpenError{OperationID: op.ID, System: op.SystemID, Kind: op.Kind, Cause: cause}
}

func (e *Executor) call(ctx context.Context, op ir.ProvisioningOperation, permit breaker.Permit) (Result, error) {
	target := connector.Target{SystemID: op.SystemID, EntityType: op.EntityType}

	var remote *connector.RemoteObject
	c, err := e.connectors.Get(op.SystemID)
	if err == nil {
		switch op.Kind {
		case ir.OpCreate:
			var obj connector.RemoteObject
			obj, err = c.Create(ctx, target, op.UID, op.Payload)
			remote = &obj
		case ir.OpUpdate:
			var obj connector.RemoteObject
			obj, err = c.Update(ctx, target, op.UID, op.Payload)
			remote = &obj
		case ir.OpDelete:
			err = c.Delete(ctx, target, op.UID)
			if errors.Is(err, connector.ErrNotFound) {
				e.logger.Debug("remote object already absent", "operation", op.ID, "uid", op.UID)
				err = nil
			}
		}
	} else {
		err = connector.Rejected("resolve", op.SystemID, err)
	}

	// the outcome is recorded even when the caller has gone away
	finishCtx := context.WithoutCancel(ctx)

	if err == nil {
		if e.gate != nil {
			e.gate.RecordSuccess(permit)
		}
		res, ferr := e.finish(finishCtx, op, ir.StateExecuted, ir.ResultOK, "", remote)
		return res, ferr
	}

	code := ir.ResultConnectorRejected
	switch {
	case connector.IsCancellation(err):
		code = ir.ResultCancelled
		if e.gate != nil {
			e.gate.RecordNeutral(permit)
		}
	case connector.IsRetryable(err):
		code = ir.ResultConnectorUnavailable
		if e.gate != nil {
			e.gate.RecordFailure(finishCtx, permit)
		}
	default:
		if e.gate != nil {
			e.gate.RecordNeutral(permit)
		}
	}
	res, ferr := e.finish(finishCtx, op, ir.StateException, code, err.Error(), nil)
	if ferr != nil {
		return res, ferr
	}
	return res, &OperationError{OperationID: op.ID, Code: code, Err: err}
}

// finish records the final state and archives the operation.
func (e *Executor) finish(ctx context.Context, op ir.ProvisioningOperation, state ir.OperationState, code ir.ResultCode, log string, remote *connector.RemoteObject) (Result, error) {
	now := e.now()
	if err := e.store.SetOperationState(ctx, op.ID, state, now); err != nil {
		return Result{OperationID: op.ID}, fmt.Errorf("finish %s: %w", op.ID, err)
	}
	archived, err := e.store.ArchiveOperation(ctx, ir.ProvisioningArchive{
		ID:          e.ids.Generate(),
		OperationID: op.ID,
		SystemID:    op.SystemID,
		EntityType:  op.EntityType,
		UID:         op.UID,
		Kind:        op.Kind,
		Payload:     op.Payload,
		Seq:         op.Seq,
		State:       state,
		ResultCode:  code,
		ResultLog:   log,
		CreatedBy:   op.CreatedBy,
		CreatedAt:   op.CreatedAt,
		ArchivedAt:  now,
	})
	if err != nil {
		return Result{OperationID: op.ID, State: state}, fmt.Errorf("finish %s: %w", op.ID, err)
	}
	if !archived {
		e.logger.Warn("operation already archived", "operation", op.ID)
	}

	level := slog.LevelInfo
	if state == ir.StateException {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "operation archived",
		"event", "operation_archived",
		"operation", op.ID,
		"system", op.SystemID,
		"uid", op.UID,
		"kind", op.Kind,
		"state", state,
		"result", code,
	)
	return Result{OperationID: op.ID, State: state, ResultCode: code, Remote: remote}, nil
}

// archivedResult reports an operation some other caller already finished.
func (e *Executor) archivedResult(ctx context.Context, opID string) (Result, error) {
	a, err := e.store.GetArchiveByOperation(ctx, opID)
	if err != nil {
		return Result{OperationID: opID}, fmt.Errorf("operation %s: %w", opID, err)
	}
	res := Result{OperationID: opID, State: a.State, ResultCode: a.ResultCode}
	switch a.ResultCode {
	case ir.ResultOK:
		return res, nil
	case ir.ResultBreakerOpen:
		return res, &BreakerOpenError{OperationID: opID, System: a.SystemID, Kind: a.Kind, Cause: errors.New(a.ResultLog)}
	default:
		return res, &OperationError{OperationID: opID, Code: a.ResultCode, Err: errors.New(a.ResultLog)}
	}
}
