// Package broker publishes trip events to RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"tripsync/internal/domain"
)

const (
	// DefaultExchange is the topic exchange events are published to.
	DefaultExchange = "trip_events"

	reconnectDelay = 3 * time.Second
)

// ErrClosed is returned when publishing after Close.
var ErrClosed = errors.New("publisher closed")

// RabbitPublisher publishes events to a durable topic exchange. Routing keys
// take the form trip.<event type>, e.g. trip.action_queued.
type RabbitPublisher struct {
	url      string
	exchange string
	logger   *zap.Logger

	mu        sync.RWMutex
	conn      *amqp091.Connection
	ch        *amqp091.Channel
	connClose chan *amqp091.Error
	isClosed  atomic.Bool
}

// NewRabbitPublisher dials url, declares the exchange and starts the
// reconnect loop.
func NewRabbitPublisher(url, exchange string, logger *zap.Logger) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &RabbitPublisher{
		url:      url,
		exchange: exchange,
		logger:   logger,
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	go p.reconnect()
	return p, nil
}

func (p *RabbitPublisher) connect() error {
	conn, err := amqp091.Dial(p.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return errors.Join(conn.Close(), err)
	}

	err = ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return errors.Join(conn.Close(), err)
	}

	connClose := make(chan *amqp091.Error, 1)
	conn.NotifyClose(connClose)

	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.connClose = connClose
	p.mu.Unlock()
	return nil
}

func (p *RabbitPublisher) reconnect() {
	for {
		p.mu.RLock()
		closed := p.connClose
		p.mu.RUnlock()

		<-closed
		if p.isClosed.Load() {
			return
		}
		p.logger.Warn("rabbitmq connection lost")

		for {
			if p.isClosed.Load() {
				return
			}
			if err := p.connect(); err != nil {
				p.logger.Debug("rabbitmq reconnect failed", zap.Error(err))
				time.Sleep(reconnectDelay)
				continue
			}
			p.logger.Info("reconnected to rabbitmq")
			break
		}
	}
}

// Publish sends event to the exchange.
func (p *RabbitPublisher) Publish(ctx context.Context, event domain.Event) error {
	if p.isClosed.Load() {
		return ErrClosed
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.RLock()
	ch := p.ch
	p.mu.RUnlock()

	return ch.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(event.Type),
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.CreatedAt,
			Type:         string(event.Type),
			Body:         body,
		},
	)
}

// Close shuts the connection down and stops reconnecting.
func (p *RabbitPublisher) Close() error {
	p.isClosed.Store(true)
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	defer p.logger.Info("rabbitmq publisher closed")
	return conn.Close()
}

// RoutingKey returns the topic routing key for an event type.
func RoutingKey(t domain.EventType) string {
	return "trip." + strings.ToLower(string(t))
}
