// Package breaker implements the break policy: a per-system circuit breaker
// that stops calling a connector after repeated retryable failures and lets a
// single trial call through once the cooldown has elapsed.
//
// Circuits are keyed by (system, operation kind). A system-wide config
// governs one shared circuit under the kind "*"; a kind-specific config gets
// its own circuit. Configuration is read from the store on every Allow so
// catalog changes apply without a restart.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/store"
)

// AnyKind is the circuit kind used by system-wide configs.
const AnyKind = "*"

// State is the state of one circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Event describes a transition into OPEN.
type Event struct {
	System        string    `json:"system"`
	Kind          string    `json:"kind"`
	PreviousState State     `json:"previous_state"`
	NewState      State     `json:"new_state"`
	FailureCount  int       `json:"failure_count"`
	WindowStart   time.Time `json:"window_start"`
	At            time.Time `json:"at"`
}

// ConfigSource supplies break configs. *store.Store satisfies it.
type ConfigSource interface {
	GetBreakConfig(ctx context.Context, systemID string, kind ir.OperationKind) (ir.BreakConfig, error)
}

// Notifier delivers an event to every recipient in order.
type Notifier interface {
	Notify(ctx context.Context, recipients []ir.BreakRecipient, ev Event) error
}

// OpenError is returned by Allow while a circuit rejects calls.
type OpenError struct {
	System string
	Kind   string
	State  State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s for system %s (kind %s)", e.State, e.System, e.Kind)
}

// IsOpen reports whether err is an OpenError.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Permit is handed out by Allow and passed back with the call outcome.
// The zero Permit belongs to no circuit and records nothing.
type Permit struct {
	key   circuitKey
	cfg   ir.BreakConfig
	trial bool
}

// Trial reports whether the permit is the single half-open trial.
func (p Permit) Trial() bool { return p.trial }

type circuitKey struct {
	system string
	kind   string
}

type circuit struct {
	state    State
	failures []time.Time // retryable failures inside the window
	openedAt time.Time
	probing  bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the wall clock. Tests use a fake.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithNotifier sets the notifier that receives OPEN transitions.
func WithNotifier(n Notifier) Option {
	return func(b *Breaker) { b.notifier = n }
}

// Breaker holds every circuit of the process.
type Breaker struct {
	source   ConfigSource
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	circuits map[circuitKey]*circuit
}

// New creates a breaker reading its configuration from source.
func New(source ConfigSource, opts ...Option) *Breaker {
	b := &Breaker{
		source:   source,
		logger:   slog.Default(),
		now:      time.Now,
		circuits: make(map[circuitKey]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow asks whether a call of kind against system may proceed. It returns
// an *OpenError when the circuit is open or its trial is in flight.
//
// Systems without a config, with a disabled config, or whose config cannot
// be read are never blocked.
func (b *Breaker) Allow(ctx context.Context, system string, kind ir.OperationKind) (Permit, error) {
	cfg, err := b.source.GetBreakConfig(ctx, system, kind)
	if errors.Is(err, store.ErrNotFound) {
		return Permit{}, nil
	}
	if err != nil {
		b.logger.Warn("break config unavailable, allowing call",
			"event", "breaker_config_error",
			"system", system,
			"kind", kind,
			"error", err,
		)
		return Permit{}, nil
	}
	if cfg.Disabled || cfg.Threshold <= 0 {
		return Permit{}, nil
	}

	key := circuitKey{system: system, kind: AnyKind}
	if cfg.Kind != "" {
		key.kind = string(cfg.Kind)
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	switch c.state {
	case StateClosed:
		return Permit{key: key, cfg: cfg}, nil
	case StateOpen:
		if now.Sub(c.openedAt) < cfg.Cooldown {
			return Permit{}, &OpenError{System: system, Kind: key.kind, State: StateOpen}
		}
		c.state = StateHalfOpen
		c.probing = true
		b.logger.Info("circuit half-open, admitting trial call",
			"event", "breaker_half_open",
			"system", system,
			"kind", key.kind,
		)
		return Permit{key: key, cfg: cfg, trial: true}, nil
	default: // half-open
		if c.probing {
			return Permit{}, &OpenError{System: system, Kind: key.kind, State: StateHalfOpen}
		}
		c.probing = true
		return Permit{key: key, cfg: cfg, trial: true}, nil
	}
}

// RecordSuccess reports a successful call. The threshold counts
// consecutive failures, so a success on a closed circuit clears them. A
// successful trial closes the circuit.
func (b *Breaker) RecordSuccess(p Permit) {
	if p.key == (circuitKey{}) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(p.key)
	if c.state == StateClosed {
		c.failures = nil
		return
	}
	if p.trial && c.state == StateHalfOpen {
		c.state = StateClosed
		c.probing = false
		c.failures = nil
		b.logger.Info("circuit closed",
			"event", "breaker_closed",
			"system", p.key.system,
			"kind", p.key.kind,
		)
	}
}

// RecordFailure reports a retryable failure. Reaching the threshold of
// consecutive failures inside the window opens the circuit, as does a failed trial. Recipients are
// notified once per transition into OPEN.
func (b *Breaker) RecordFailure(ctx context.Context, p Permit) {
	if p.key == (circuitKey{}) {
		return
	}
	now := b.now()

	b.mu.Lock()
	c := b.circuit(p.key)
	var ev *Event
	switch {
	case c.state == StateClosed:
		c.failures = append(pruneBefore(c.failures, now.Add(-p.cfg.Window)), now)
		if len(c.failures) >= p.cfg.Threshold {
			ev = b.trip(p.key, c, now)
		}
	case c.state == StateHalfOpen && p.trial:
		c.failures = []time.Time{now}
		ev = b.trip(p.key, c, now)
	}
	b.mu.Unlock()

	if ev != nil {
		b.notify(ctx, p.cfg.Recipients, *ev)
	}
}

// RecordNeutral reports an outcome that says nothing about the health of
// the system, such as a rejected payload or a cancelled call. A trial is
// released without changing state so the next call may try again.
func (b *Breaker) RecordNeutral(p Permit) {
	if !p.trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(p.key)
	if c.state == StateHalfOpen {
		c.probing = false
	}
}

// State returns the current state of the circuit governing (system, kind).
// kind may be AnyKind.
func (b *Breaker) State(system, kind string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[circuitKey{system: system, kind: kind}]; ok {
		return c.state
	}
	return StateClosed
}

// Reset forgets every circuit of system.
func (b *Breaker) Reset(system string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.circuits {
		if key.system == system {
			delete(b.circuits, key)
		}
	}
}

func (b *Breaker) circuit(key circuitKey) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

// trip moves c to OPEN and resets its window. Caller holds b.mu.
func (b *Breaker) trip(key circuitKey, c *circuit, now time.Time) *Event {
	ev := &Event{
		System:        key.system,
		Kind:          key.kind,
		PreviousState: c.state,
		NewState:      StateOpen,
		FailureCount:  len(c.failures),
		WindowStart:   c.failures[0],
		At:            now,
	}
	c.state = StateOpen
	c.openedAt = now
	c.probing = false
	c.failures = nil

	b.logger.Warn("circuit opened",
		"event", "breaker_opened",
		"system", key.system,
		"kind", key.kind,
		"previous_state", ev.PreviousState,
		"failures", ev.FailureCount,
	)
	return ev
}

func (b *Breaker) notify(ctx context.Context, recipients []ir.BreakRecipient, ev Event) {
	if b.notifier == nil || len(recipients) == 0 {
		return
	}
	if err := b.notifier.Notify(ctx, recipients, ev); err != nil {
		b.logger.Error("break notification failed",
			"event", "breaker_notify_failed",
			"system", ev.System,
			"kind", ev.Kind,
			"error", err,
		)
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
