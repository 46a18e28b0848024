// Package sinkmanager implements spec.md §4.G: it publishes routed
// envelopes onto the broker/exchange pair their Route names, applying the
// ignore_sink_errors resilience policy.
package sinkmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/webitel/rabbit-force/infra/pubsub/factory"
	"github.com/webitel/rabbit-force/internal/dashboard"
	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/rferrors"
)

// PublisherResolver is the subset of *pubsub.Provider the Sink Manager
// depends on, kept as an interface so tests can drive the publish/policy
// contract without a live broker connection.
type PublisherResolver interface {
	Publisher(brokerName, exchangeName string) (message.Publisher, error)
	HasExchange(brokerName, exchangeName string) bool
}

// SinkManager publishes envelopes via the broker/exchange Provider, forcing
// content_type/content_encoding and applying the route's properties.
type SinkManager struct {
	provider     PublisherResolver
	ignoreErrors bool
	logger       *slog.Logger
	recorder     *dashboard.Recorder
}

// New builds a SinkManager over an already-connected Provider.
func New(provider PublisherResolver, ignoreSinkErrors bool, logger *slog.Logger) *SinkManager {
	return &SinkManager{provider: provider, ignoreErrors: ignoreSinkErrors, logger: logger}
}

// SetRecorder attaches the optional `--dashboard` recorder. Nil (the
// default) disables publish/error counting entirely.
func (s *SinkManager) SetRecorder(r *dashboard.Recorder) {
	s.recorder = r
}

// Publish serializes the envelope's message field alone (spec.md §4.G step
// 1), resolves the route's publisher, and publishes it. A missing
// broker/exchange is always a ConfigurationError, regardless of policy — it
// signals a static misconfiguration, not a transient fault.
func (s *SinkManager) Publish(ctx context.Context, route domain.Route, envelope domain.Envelope) error {
	pub, err := s.provider.Publisher(route.BrokerName, route.ExchangeName)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(envelope.Message)
	if err != nil {
		return rferrors.Routing("sinkmanager.publish", fmt.Errorf("encoding message: %w", err))
	}

	wm := message.NewMessage(uuid.NewString(), payload)
	applyProperties(wm, route.Properties)

	if err := pub.Publish(route.RoutingKey, wm); err != nil {
		if s.recorder != nil {
			s.recorder.RecordSinkError()
		}
		wrapped := rferrors.SinkNetwork("sinkmanager.publish", err)
		if s.ignoreErrors {
			s.logger.Error("SINK_PUBLISH_FAILED",
				"broker_name", route.BrokerName, "exchange_name", route.ExchangeName, "err", err)
			return nil
		}
		return wrapped
	}
	if s.recorder != nil {
		s.recorder.RecordPublished(route.BrokerName, route.ExchangeName)
	}
	return nil
}

// applyProperties copies a route's basic-properties onto the watermill
// message's metadata, which factory.propertiesMarshaler reads back when
// building the outgoing amqp091.Publishing.
func applyProperties(wm *message.Message, props *domain.MessageProperties) {
	if props == nil {
		return
	}
	if props.DeliveryMode != 0 {
		wm.Metadata.Set(factory.MetaDeliveryMode, strconv.Itoa(int(props.DeliveryMode)))
	}
	if props.Priority != 0 {
		wm.Metadata.Set(factory.MetaPriority, strconv.Itoa(int(props.Priority)))
	}
	if props.Expiration != "" {
		wm.Metadata.Set(factory.MetaExpiration, props.Expiration)
	}
	if props.MessageID != "" {
		wm.Metadata.Set(factory.MetaMessageID, props.MessageID)
	}
	if props.Type != "" {
		wm.Metadata.Set(factory.MetaType, props.Type)
	}
	for k, v := range props.Headers {
		wm.Metadata.Set(factory.MetaHeaderPrefix+k, v)
	}
}

// ValidateRoutes checks every rule/default route's (broker, exchange) pair
// against the Provider's declared exchanges, per spec.md §4.H's startup
// order ("Router validate routes reference declared broker/exchange").
func (s *SinkManager) ValidateRoutes(refs [][2]string) error {
	for _, ref := range refs {
		if !s.provider.HasExchange(ref[0], ref[1]) {
			return rferrors.Configuration("sinkmanager.validate",
				"route references undeclared broker/exchange %s/%s", ref[0], ref[1])
		}
	}
	return nil
}
