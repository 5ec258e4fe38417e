package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/nestwatch/nestwatch/pkg/log"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Publisher is the outbound half of the bus, enough for the scheduler
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, key string, persistent bool, v interface{}) error
}

// Bus wraps one AMQP connection with automatic reconnect. Topology is
// re-declared whenever the connection is re-established so consumers
// survive broker restarts.
type Bus struct {
	url    string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials the broker and declares the shared topology
func Connect(url string) (*Bus, error) {
	b := &Bus{
		url:    url,
		logger: log.WithComponent("bus"),
	}
	if _, err := b.channel(); err != nil {
		return nil, err
	}
	return b, nil
}

// channel returns a live channel, dialing and redeclaring topology as
// needed
func (b *Bus) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, fmt.Errorf("bus dial: %w", err)
		}
		b.conn = conn
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("bus channel: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	b.ch = ch
	return ch, nil
}

// declareTopology declares the shared exchanges and the dead-letter
// queue. Declarations are idempotent.
func declareTopology(ch *amqp.Channel) error {
	exchanges := []struct {
		name string
		kind string
	}{
		{ExchangeWorkerCommands, "direct"},
		{ExchangeMonitoringResults, "direct"},
		{ExchangeWorkerHeartbeat, "fanout"},
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("bus declare exchange %s: %w", ex.name, err)
		}
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus declare dead-letter queue: %w", err)
	}
	return nil
}

// DeclareWorkerQueue declares the per-worker command queue with
// dead-lettering and binds it for direct and region-scoped dispatch
func (b *Bus) DeclareWorkerQueue(region, workerID string) (string, error) {
	ch, err := b.channel()
	if err != nil {
		return "", err
	}
	name := WorkerQueue(region, workerID)
	_, err = ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueue,
	})
	if err != nil {
		return "", fmt.Errorf("bus declare worker queue %s: %w", name, err)
	}
	for _, key := range []string{KeyCheckServiceOnce, RegionKey(region)} {
		if err := ch.QueueBind(name, key, ExchangeWorkerCommands, false, nil); err != nil {
			return "", fmt.Errorf("bus bind worker queue %s to %s: %w", name, key, err)
		}
	}
	return name, nil
}

// PublishJSON marshals v and publishes it on the given exchange
func (b *Bus) PublishJSON(ctx context.Context, exchange, key string, persistent bool, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus encode for %s/%s: %w", exchange, key, err)
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("bus publish %s/%s: %w", exchange, key, err)
	}
	return nil
}

// ConsumeSpec describes a consumption queue and its bindings
type ConsumeSpec struct {
	Queue     string // empty for a broker-named exclusive queue
	Exclusive bool
	Exchange  string
	Keys      []string // ignored for fanout exchanges
}

// Consume runs a consumption loop until ctx is cancelled. The queue and
// its bindings are re-declared after every reconnect. Handler errors
// reject the delivery without requeue, routing it to the dead-letter
// queue where one is configured.
func (b *Bus) Consume(ctx context.Context, spec ConsumeSpec, handler func(body []byte) error) error {
	delay := reconnectBaseDelay
	for {
		if err := b.consumeOnce(ctx, spec, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error().Err(err).Str("queue", spec.Queue).Msg("consume loop interrupted, reconnecting")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (b *Bus) consumeOnce(ctx context.Context, spec ConsumeSpec, handler func(body []byte) error) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare(spec.Queue, spec.Queue != "", spec.Queue == "", spec.Exclusive, false, nil)
	if err != nil {
		return fmt.Errorf("bus declare queue %q: %w", spec.Queue, err)
	}
	keys := spec.Keys
	if len(keys) == 0 {
		keys = []string{""}
	}
	for _, key := range keys {
		if err := ch.QueueBind(q.Name, key, spec.Exchange, false, nil); err != nil {
			return fmt.Errorf("bus bind %q to %s: %w", q.Name, spec.Exchange, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", false, spec.Exclusive, false, false, nil)
	if err != nil {
		return fmt.Errorf("bus consume %q: %w", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bus delivery channel closed")
			}
			if err := handler(d.Body); err != nil {
				b.logger.Error().Err(err).Str("queue", q.Name).Msg("message handler failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close shuts the connection down
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
