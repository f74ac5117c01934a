// Package mq connects the marketplace to its RabbitMQ topic exchange.
package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Errors reported by the broker for a single publish
var (
	ErrUnroutable = errors.New("message returned unroutable")
	ErrNacked     = errors.New("message not confirmed by broker")
)

// Publisher sends persistent messages to a topic exchange on a confirm-mode channel.
// Publish returns only after the broker confirms the message; unroutable messages are errors.
// A closed connection is redialed on the next publish.
type Publisher struct {
	url      string
	exchange string
	queues   []ConsumerConfig

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	returns chan amqp.Return
}

// NewPublisher dials RabbitMQ and declares the exchange.
// Each queue in queues is declared and bound as well, so events published
// before its consumer first starts are kept.
func NewPublisher(url, exchange string, queues ...ConsumerConfig) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange, queues: queues}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := p.setup(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	p.conn = conn
	p.ch = ch
	return nil
}

func (p *Publisher) setup(ch *amqp.Channel) error {
	if err := declareExchange(ch, p.exchange); err != nil {
		return err
	}
	for _, q := range p.queues {
		if err := declareQueue(ch, q); err != nil {
			return err
		}
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}
	// One publish is in flight at a time, so a single slot holds its return
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	return nil
}

// Publish sends body under routingKey and waits for the broker's confirmation.
// messageID lets consumers drop duplicates.
func (p *Publisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		p.closeLocked()
		if err := p.connect(); err != nil {
			return err
		}
		log.Info().Str("exchange", p.exchange).Msg("Reconnected to RabbitMQ")
	}
	p.drainReturns()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Type:         routingKey,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", routingKey, err)
	}

	// The broker sends basic.return before the ack of the same message
	var returned *amqp.Return
	select {
	case r, ok := <-p.returns:
		if ok {
			returned = &r
		}
	default:
	}
	return confirmResult(routingKey, messageID, acked, returned)
}

func (p *Publisher) drainReturns() {
	for {
		select {
		case r, ok := <-p.returns:
			if !ok {
				return
			}
			log.Warn().Str("message_id", r.MessageId).Str("routing_key", r.RoutingKey).Msg("Discarding stale broker return")
		default:
			return
		}
	}
}

// confirmResult turns the broker's answer for one message into an error
func confirmResult(routingKey, messageID string, acked bool, returned *amqp.Return) error {
	if returned != nil && returned.MessageId == messageID {
		return fmt.Errorf("publish %s: %w (%d %s)", routingKey, ErrUnroutable, returned.ReplyCode, returned.ReplyText)
	}
	if !acked {
		return fmt.Errorf("publish %s: %w", routingKey, ErrNacked)
	}
	return nil
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Publisher) closeLocked() error {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}
