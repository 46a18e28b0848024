package sinkmanager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/rabbit-force/internal/domain"
)

type fakePublisher struct {
	published []*message.Message
	err       error
}

func (f *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, messages...)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeResolver struct {
	publishers map[string]*fakePublisher
	declared   map[[2]string]bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{publishers: map[string]*fakePublisher{}, declared: map[[2]string]bool{}}
}

func (r *fakeResolver) declare(broker, exchange string, pub *fakePublisher) {
	r.declared[[2]string{broker, exchange}] = true
	r.publishers[broker+"/"+exchange] = pub
}

func (r *fakeResolver) Publisher(broker, exchange string) (message.Publisher, error) {
	pub, ok := r.publishers[broker+"/"+exchange]
	if !ok {
		return nil, errors.New("no such publisher")
	}
	return pub, nil
}

func (r *fakeResolver) HasExchange(broker, exchange string) bool {
	return r.declared[[2]string{broker, exchange}]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSendsOneMessageOnDeclaredRoute(t *testing.T) {
	resolver := newFakeResolver()
	pub := &fakePublisher{}
	resolver.declare("b1", "e1", pub)

	sm := New(resolver, false, testLogger())
	route := domain.Route{BrokerName: "b1", ExchangeName: "e1", RoutingKey: "leads.created"}
	env := domain.Envelope{OrgName: "acme", Message: domain.InboundMessage{Channel: "/topic/leads"}}

	err := sm.Publish(context.Background(), route, env)
	require.NoError(t, err)
	require.Len(t, pub.published, 1)
}

func TestPublishAppliesRouteProperties(t *testing.T) {
	resolver := newFakeResolver()
	pub := &fakePublisher{}
	resolver.declare("b1", "e1", pub)

	sm := New(resolver, false, testLogger())
	route := domain.Route{
		BrokerName: "b1", ExchangeName: "e1", RoutingKey: "k",
		Properties: &domain.MessageProperties{MessageID: "mid-1", Type: "lead", Headers: map[string]string{"x-source": "sf"}},
	}
	env := domain.Envelope{OrgName: "acme"}

	err := sm.Publish(context.Background(), route, env)
	require.NoError(t, err)
	require.Len(t, pub.published, 1)

	msg := pub.published[0]
	assert.Equal(t, "mid-1", msg.Metadata.Get("amqp_message_id"))
	assert.Equal(t, "lead", msg.Metadata.Get("amqp_type"))
	assert.Equal(t, "sf", msg.Metadata.Get("amqp_header_x-source"))
}

func TestPublishReturnsConfigurationErrorForUnknownRoute(t *testing.T) {
	resolver := newFakeResolver()
	sm := New(resolver, false, testLogger())

	route := domain.Route{BrokerName: "missing", ExchangeName: "missing"}
	err := sm.Publish(context.Background(), route, domain.Envelope{})
	require.Error(t, err)
}

func TestPublishSwallowsSinkErrorsWhenIgnoreEnabled(t *testing.T) {
	resolver := newFakeResolver()
	pub := &fakePublisher{err: errors.New("connection reset")}
	resolver.declare("b1", "e1", pub)

	sm := New(resolver, true, testLogger())
	route := domain.Route{BrokerName: "b1", ExchangeName: "e1"}

	err := sm.Publish(context.Background(), route, domain.Envelope{})
	assert.NoError(t, err)
}

func TestPublishPropagatesSinkErrorsWhenIgnoreDisabled(t *testing.T) {
	resolver := newFakeResolver()
	pub := &fakePublisher{err: errors.New("connection reset")}
	resolver.declare("b1", "e1", pub)

	sm := New(resolver, false, testLogger())
	route := domain.Route{BrokerName: "b1", ExchangeName: "e1"}

	err := sm.Publish(context.Background(), route, domain.Envelope{})
	assert.Error(t, err)
}

func TestValidateRoutesRejectsUndeclaredExchange(t *testing.T) {
	resolver := newFakeResolver()
	resolver.declare("b1", "e1", &fakePublisher{})

	sm := New(resolver, false, testLogger())
	err := sm.ValidateRoutes([][2]string{{"b1", "e1"}, {"b2", "e2"}})
	assert.Error(t, err)
}

func TestValidateRoutesAcceptsDeclaredExchanges(t *testing.T) {
	resolver := newFakeResolver()
	resolver.declare("b1", "e1", &fakePublisher{})
	resolver.declare("b2", "e2", &fakePublisher{})

	sm := New(resolver, false, testLogger())
	err := sm.ValidateRoutes([][2]string{{"b1", "e1"}, {"b2", "e2"}})
	assert.NoError(t, err)
}
