// Package pipeline implements spec.md §4.H: it binds the Source Manager's
// envelope stream to the Router and Sink Manager, and owns the run loop's
// graceful shutdown.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/webitel/rabbit-force/internal/dashboard"
	"github.com/webitel/rabbit-force/internal/domain"
)

// Source is the subset of *sourcemanager.Manager the Pipeline depends on.
type Source interface {
	Subscribe(ctx context.Context) (<-chan *message.Message, error)
	Start(ctx context.Context)
	Wait() error
	Shutdown(ctx context.Context)
}

// Router is the subset of *router.Router the Pipeline depends on.
type Router interface {
	Route(envelope domain.Envelope) (*domain.Route, error)
}

// Sink is the subset of *sinkmanager.SinkManager the Pipeline depends on.
type Sink interface {
	Publish(ctx context.Context, route domain.Route, envelope domain.Envelope) error
}

// Pipeline drains envelopes, routes them, and publishes the result.
type Pipeline struct {
	source   Source
	router   Router
	sink     Sink
	logger   *slog.Logger
	recorder *dashboard.Recorder
}

// New binds an already-validated Source/Router/Sink triple.
func New(source Source, router Router, sink Sink, logger *slog.Logger) *Pipeline {
	return &Pipeline{source: source, router: router, sink: sink, logger: logger}
}

// SetRecorder attaches the optional `--dashboard` recorder. Nil (the
// default) disables drop counting entirely.
func (p *Pipeline) SetRecorder(r *dashboard.Recorder) {
	p.recorder = r
}

// Run drives the pipeline until the source stream ends, an unrecoverable
// error escapes policy, or ctx is cancelled (SIGINT/SIGTERM). Shutdown is
// graceful: sources stop first, the in-flight envelope is drained, and the
// caller is expected to close sinks and tear down resources afterward.
func (p *Pipeline) Run(ctx context.Context) error {
	envelopes, err := p.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	p.source.Start(ctx)

	sourceDone := make(chan error, 1)
	go func() { sourceDone <- p.source.Wait() }()

	for {
		select {
		case <-ctx.Done():
			p.source.Shutdown(context.Background())
			<-sourceDone
			return nil

		case err := <-sourceDone:
			p.source.Shutdown(context.Background())
			return err

		case wm, ok := <-envelopes:
			if !ok {
				p.source.Shutdown(context.Background())
				return <-sourceDone
			}
			p.handle(ctx, wm)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, wm *message.Message) {
	var envelope domain.Envelope
	if err := json.Unmarshal(wm.Payload, &envelope); err != nil {
		p.logger.Error("ENVELOPE_DECODE_FAILED", "err", err)
		wm.Ack()
		return
	}

	route, err := p.router.Route(envelope)
	if err != nil {
		p.logger.Error("ROUTE_EVAL_FAILED", "org_name", envelope.OrgName, "channel", envelope.Message.Channel, "err", err)
		wm.Nack()
		return
	}
	if route == nil {
		p.logger.Debug("ENVELOPE_DROPPED", "org_name", envelope.OrgName, "channel", envelope.Message.Channel)
		if p.recorder != nil {
			p.recorder.RecordDropped()
		}
		wm.Ack()
		return
	}

	if err := p.sink.Publish(ctx, *route, envelope); err != nil {
		p.logger.Error("SINK_PUBLISH_FAILED",
			"org_name", envelope.OrgName, "broker_name", route.BrokerName, "exchange_name", route.ExchangeName, "err", err)
		wm.Nack()
		return
	}
	wm.Ack()
}
