package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roach88/provsync/internal/breaker"
)

// channel is the part of *amqp.Channel the sender uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSender publishes break events as JSON to a RabbitMQ exchange.
//
// A target has the form "exchange" or "exchange/routing-key"; the routing
// key defaults to "breaker.<system>". Exchanges are declared durable topic
// exchanges on first use. The connection is dialed lazily and redialed
// after a publish failure.
type AMQPSender struct {
	url string
	now func() time.Time

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	declared map[string]bool
	dial     func(url string) (*amqp.Connection, channel, error)
}

// NewAMQPSender creates a sender for the broker at url.
func NewAMQPSender(url string) *AMQPSender {
	return &AMQPSender{
		url:      url,
		now:      time.Now,
		declared: make(map[string]bool),
		dial:     dialAMQP,
	}
}

func dialAMQP(url string) (*amqp.Connection, channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// ParseTarget splits a recipient target into exchange and routing key.
func ParseTarget(target, system string) (exchange, key string, err error) {
	exchange, key, _ = strings.Cut(target, "/")
	if exchange == "" {
		return "", "", fmt.Errorf("amqp target %q: empty exchange", target)
	}
	if key == "" {
		key = "breaker." + system
	}
	return exchange, key, nil
}

func (s *AMQPSender) Send(ctx context.Context, target string, ev breaker.Event) error {
	exchange, key, err := ParseTarget(target, ev.System)
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		conn, ch, err := s.dial(s.url)
		if err != nil {
			return fmt.Errorf("amqp dial: %w", err)
		}
		s.conn, s.ch = conn, ch
		s.declared = make(map[string]bool)
	}
	if !s.declared[exchange] {
		if err := s.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			s.reset()
			return fmt.Errorf("amqp declare %s: %w", exchange, err)
		}
		s.declared[exchange] = true
	}

	err = s.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    s.now(),
		DeliveryMode: amqp.Persistent,
		Type:         "breaker." + string(ev.NewState),
	})
	if err != nil {
		s.reset()
		return fmt.Errorf("amqp publish %s/%s: %w", exchange, key, err)
	}
	return nil
}

// Close releases the broker connection.
func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// reset drops the current channel and connection. Caller holds s.mu.
func (s *AMQPSender) reset() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}
