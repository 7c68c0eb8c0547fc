// Package alert publishes operator-facing alerts for the error kinds the
// error design calls out as alert-worthy (IntegrityError, ExternalAbort).
package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"dynamo.dev/internal/dlog"
)

var log = dlog.WithComponent("alert")

// Event is one alert message published to the operator queue.
type Event struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	ActionID  uint64    `json:"action_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerter is satisfied by both Publisher and NoopPublisher.
type Alerter interface {
	Publish(Event)
	Close() error
}

// Publisher publishes Events to a durable RabbitMQ queue.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewPublisher dials url and declares the given durable queue.
func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing alert broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening alert channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring alert queue %s: %w", queue, err)
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish sends an Event. Failures are logged, not returned, because a
// broken alert channel must never block the scheduler's main loop.
func (p *Publisher) Publish(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Error("marshaling alert event")
		return
	}
	err = p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		log.WithError(err).Error("publishing alert event")
	}
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	p.ch.Close()
	return p.conn.Close()
}

// NoopPublisher is used when no AMQP URL is configured; Publish is a no-op
// save for a log line, so alert-worthy errors are still observable.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ev Event) {
	log.WithField("kind", ev.Kind).Warn(ev.Message)
}

func (NoopPublisher) Close() error { return nil }
