/**
 * @description
 * This package provides a simple producer for publishing claims-service events
 * to RabbitMQ. It encapsulates the logic for connecting to RabbitMQ and
 * publishing a message to a specific exchange and routing key, plus typed
 * helpers for each event the service emits.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - internal/domain: Event payload definitions.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/chainquest/claims-service/internal/domain"
)

// EventsExchange is the durable topic exchange all claims-service events go to.
const EventsExchange = "chainquest.events"

// Routing keys per event type.
const (
	RoutingClaimQueued     = "claim.queued"
	RoutingPayoutCompleted = "payout.completed"
	RoutingPayoutFailed    = "payout.failed"
	RoutingCapReached      = "cap.reached"
	RoutingCapViolation    = "cap.violation"
)

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn *amqp091.Connection

	// mu guards the channel: the disbursement worker publishes from several
	// goroutines, and the reopen-retry path swaps the channel in place.
	mu      sync.Mutex
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishClaimQueued(ctx context.Context, event domain.ClaimQueuedEvent) error
	PublishPayoutCompleted(ctx context.Context, event domain.PayoutCompletedEvent) error
	PublishPayoutFailed(ctx context.Context, event domain.PayoutFailedEvent) error
	PublishCapReached(ctx context.Context, event domain.CapReachedEvent) error
	PublishCapViolation(ctx context.Context, event domain.CapViolationEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishClaimQueued(ctx context.Context, event domain.ClaimQueuedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingClaimQueued, event)
}

func (p *EventProducerFallback) PublishPayoutCompleted(ctx context.Context, event domain.PayoutCompletedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingPayoutCompleted, event)
}

func (p *EventProducerFallback) PublishPayoutFailed(ctx context.Context, event domain.PayoutFailedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingPayoutFailed, event)
}

func (p *EventProducerFallback) PublishCapReached(ctx context.Context, event domain.CapReachedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingCapReached, event)
}

func (p *EventProducerFallback) PublishCapViolation(ctx context.Context, event domain.CapViolationEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingCapViolation, event)
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		return errors.New("rabbitmq producer is closed")
	}

	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// Attempt simple channel reopen once
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
					return err2
				}
			} else {
				return chErr
			}
		} else {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				// re-declare exchange and retry
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishClaimQueued publishes a claim queued event.
func (p *EventProducer) PublishClaimQueued(ctx context.Context, event domain.ClaimQueuedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingClaimQueued, event)
}

// PublishPayoutCompleted publishes a payout completed event.
func (p *EventProducer) PublishPayoutCompleted(ctx context.Context, event domain.PayoutCompletedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingPayoutCompleted, event)
}

// PublishPayoutFailed publishes a terminal payout failure event.
func (p *EventProducer) PublishPayoutFailed(ctx context.Context, event domain.PayoutFailedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingPayoutFailed, event)
}

// PublishCapReached publishes the once-per-day cap reached audit event.
func (p *EventProducer) PublishCapReached(ctx context.Context, event domain.CapReachedEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingCapReached, event)
}

// PublishCapViolation publishes the critical post-transfer cap violation signal.
func (p *EventProducer) PublishCapViolation(ctx context.Context, event domain.CapViolationEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingCapViolation, event)
}

// Close gracefully closes the channel and connection to RabbitMQ. It is safe
// to call concurrently and more than once.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = nil
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
}
