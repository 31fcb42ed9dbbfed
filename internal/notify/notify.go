// Package notify delivers break events to the recipients of a break config.
//
// Each recipient names a kind ("log", "amqp") and a kind-specific target.
// The Dispatcher routes every recipient to the Sender registered for its
// kind, in configured order.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/provsync/internal/breaker"
	"github.com/roach88/provsync/internal/ir"
)

// Recipient kinds.
const (
	KindLog  = "log"
	KindAMQP = "amqp"
)

// ErrUnknownKind is returned for recipients whose kind has no sender.
var ErrUnknownKind = errors.New("unknown recipient kind")

// Sender delivers one event to one target.
type Sender interface {
	Send(ctx context.Context, target string, ev breaker.Event) error
}

// Dispatcher implements breaker.Notifier.
type Dispatcher struct {
	senders map[string]Sender
}

// NewDispatcher creates a dispatcher with no senders.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{senders: make(map[string]Sender)}
}

// Register binds kind to s, replacing any previous sender.
func (d *Dispatcher) Register(kind string, s Sender) {
	d.senders[kind] = s
}

// Notify sends ev to every recipient once, in order. A failing recipient
// does not stop delivery to the rest; all failures are joined.
func (d *Dispatcher) Notify(ctx context.Context, recipients []ir.BreakRecipient, ev breaker.Event) error {
	var errs []error
	for i, r := range recipients {
		s, ok := d.senders[r.Kind]
		if !ok {
			errs = append(errs, fmt.Errorf("recipient %d: %w: %q", i, ErrUnknownKind, r.Kind))
			continue
		}
		if err := s.Send(ctx, r.Target, ev); err != nil {
			errs = append(errs, fmt.Errorf("recipient %d (%s %s): %w", i, r.Kind, r.Target, err))
		}
	}
	return errors.Join(errs...)
}

var _ breaker.Notifier = (*Dispatcher)(nil)
