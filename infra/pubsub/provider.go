// Package pubsub owns one AMQP connection per BrokerSpec, declares its
// exchanges with full parameter fidelity, and hands out resilient
// watermill-amqp publishers per (broker, exchange) pair, per spec.md §4.G.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/webitel/rabbit-force/infra/pubsub/factory"
	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/rfbackoff"
	"github.com/webitel/rabbit-force/internal/rferrors"

	"github.com/cenkalti/backoff/v5"
)

type broker struct {
	spec    domain.BrokerSpec
	conn    *amqp091.Connection
	factory *factory.Factory

	mu         sync.Mutex
	publishers map[string]message.Publisher
}

// Provider is the Sink Manager's view onto every configured broker.
type Provider struct {
	logger  *slog.Logger
	brokers map[string]*broker
}

// NewProvider dials every broker and declares its exchanges. A dial or
// declare failure is fatal at startup per spec.md §4.H's startup order.
func NewProvider(ctx context.Context, specs []domain.BrokerSpec, logger *slog.Logger) (*Provider, error) {
	p := &Provider{logger: logger, brokers: make(map[string]*broker, len(specs))}
	for _, spec := range specs {
		b, err := dialAndDeclare(ctx, spec, logger)
		if err != nil {
			p.Close()
			return nil, rferrors.Configuration("pubsub.dial", "broker %s: %w", spec.Name, err)
		}
		p.brokers[spec.Name] = b
	}
	return p, nil
}

func dialAndDeclare(ctx context.Context, spec domain.BrokerSpec, logger *slog.Logger) (*broker, error) {
	uri := amqpURI(spec)

	operation := func() (*amqp091.Connection, error) {
		conn, err := amqp091.Dial(uri)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	conn, err := backoff.Retry(ctx, operation, rfbackoff.RetryOptions(30*time.Second)...)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	for _, ex := range spec.Exchanges {
		if err := declareExchange(ch, ex); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	return &broker{
		spec:       spec,
		conn:       conn,
		factory:    factory.New(uri, logger),
		publishers: make(map[string]message.Publisher),
	}, nil
}

func declareExchange(ch *amqp091.Channel, ex domain.ExchangeSpec) error {
	args := amqp091.Table{}
	for k, v := range ex.Arguments {
		args[k] = v
	}
	if ex.Passive {
		return ch.ExchangeDeclarePassive(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, ex.NoWait, args)
	}
	return ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, ex.NoWait, args)
}

func amqpURI(spec domain.BrokerSpec) string {
	scheme := "amqp"
	if spec.SSL {
		scheme = "amqps"
	}
	vhost := spec.VirtualHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, spec.Login, spec.Password, spec.Host, spec.Port, vhost)
}

// Publisher returns (building and caching on first use) the publisher for
// the given (broker, exchange) pair, or a KindConfiguration error if either
// name was never declared.
func (p *Provider) Publisher(brokerName, exchangeName string) (message.Publisher, error) {
	b, ok := p.brokers[brokerName]
	if !ok {
		return nil, rferrors.Configuration("pubsub.publisher", "unknown broker %q", brokerName)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if pub, ok := b.publishers[exchangeName]; ok {
		return pub, nil
	}

	var exSpec *domain.ExchangeSpec
	for i := range b.spec.Exchanges {
		if b.spec.Exchanges[i].Name == exchangeName {
			exSpec = &b.spec.Exchanges[i]
			break
		}
	}
	if exSpec == nil {
		return nil, rferrors.Configuration("pubsub.publisher", "broker %q has no exchange %q", brokerName, exchangeName)
	}

	pub, err := b.factory.BuildPublisher(*exSpec)
	if err != nil {
		return nil, rferrors.SinkNetwork("pubsub.publisher", err)
	}
	b.publishers[exchangeName] = pub
	return pub, nil
}

// HasExchange reports whether (broker, exchange) was declared at startup,
// used by the Router/Pipeline wiring to validate routes up front.
func (p *Provider) HasExchange(brokerName, exchangeName string) bool {
	b, ok := p.brokers[brokerName]
	if !ok {
		return false
	}
	for _, ex := range b.spec.Exchanges {
		if ex.Name == exchangeName {
			return true
		}
	}
	return false
}

// Close releases every publisher and broker connection.
func (p *Provider) Close() error {
	var firstErr error
	for _, b := range p.brokers {
		b.mu.Lock()
		for _, pub := range b.publishers {
			if err := pub.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		b.mu.Unlock()
		if b.conn != nil {
			if err := b.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
