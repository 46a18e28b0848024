// Package sourcemanager implements spec.md §4.E: it owns every org's CometD
// client and fans their deliveries into a single, ordered envelope stream.
package sourcemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/webitel/rabbit-force/internal/cometd"
	"github.com/webitel/rabbit-force/internal/dashboard"
	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/replaystore"
	"github.com/webitel/rabbit-force/internal/rferrors"
)

// envelopeTopic is the single internal watermill topic every org's
// deliveries are published to; the Pipeline is its sole subscriber.
const envelopeTopic = "envelopes"

// Client is the subset of *cometd.Client the Source Manager depends on,
// kept as an interface so tests can drive the fan-in/replay/ordering
// contract without a live Bayeux session.
type Client interface {
	Run(ctx context.Context) error
	Messages() <-chan cometd.Message
	OrgName() string
	Channels() []string
	Unsubscribe(ctx context.Context, channel string) error
	Disconnect(ctx context.Context) error
	State() cometd.State
}

// Manager owns the set of CometD clients and exposes one unified,
// back-pressured stream of envelopes, per spec.md §4.E/§5. Communication
// happens exclusively by passing envelopes through the bounded watermill
// GoChannel below; no task outside Manager touches a Client's internals.
type Manager struct {
	logger      *slog.Logger
	replayStore replaystore.Store
	bus         *gochannel.GoChannel

	clients  []Client
	recorder *dashboard.Recorder

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	runErr   error
	finished chan struct{}
}

// New builds a Manager over one already-constructed CometD client per org.
func New(clients []Client, replayStore replaystore.Store, logger *slog.Logger) *Manager {
	return &Manager{
		logger:      logger,
		replayStore: replayStore,
		clients:     clients,
		bus: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NewSlogLogger(logger)),
		finished: make(chan struct{}),
	}
}

// SetRecorder attaches the optional `--dashboard` recorder. Nil (the
// default) disables the per-org state poller entirely.
func (m *Manager) SetRecorder(r *dashboard.Recorder) {
	m.recorder = r
}

// Subscribe returns the unified envelope stream the Pipeline drains.
func (m *Manager) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return m.bus.Subscribe(ctx, envelopeTopic)
}

// Start launches every client's long-poll loop and the per-client forwarder
// that persists replay markers and emits envelopes. It returns immediately;
// use Wait to block until every client has gone terminal.
func (m *Manager) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	for _, c := range m.clients {
		c := c
		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			if err := c.Run(ctx); err != nil {
				m.recordErr(fmt.Errorf("org %s: %w", c.OrgName(), err))
			}
		}()
		go func() {
			defer m.wg.Done()
			m.forward(ctx, c)
		}()
		if m.recorder != nil {
			go m.pollState(ctx, c)
		}
	}

	go func() {
		m.wg.Wait()
		close(m.finished)
	}()
}

// pollState feeds the `--dashboard` recorder with c's CometD state every
// second until ctx is cancelled. Purely observational.
func (m *Manager) pollState(ctx context.Context, c Client) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recorder.SetOrgState(c.OrgName(), c.State().String())
		}
	}
}

func (m *Manager) recordErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runErr == nil {
		m.runErr = err
	}
}

// forward drains one client's messages, persisting replay markers and
// publishing envelopes in the order they were received — the per-(org,
// channel) FIFO contract of spec.md §4.E/§8.
func (m *Manager) forward(ctx context.Context, c Client) {
	for msg := range c.Messages() {
		envelope := domain.Envelope{
			OrgName: c.OrgName(),
			Message: domain.InboundMessage{
				Channel: msg.Channel,
				Data:    msg.Data,
				Event:   msg.Event,
				Raw:     msg.Raw,
			},
		}

		if msg.Event != nil {
			marker := domain.ReplayMarker{ReplayID: msg.Event.ReplayID, CreatedDate: msg.Event.CreatedDate}
			if err := m.replayStore.Set(ctx, c.OrgName(), msg.Channel, marker); err != nil {
				if rferrors.Is(err, rferrors.KindReplayStore) {
					m.recordErr(err)
					m.cancel()
					return
				}
				m.logger.Error("REPLAY_PERSIST_FAILED", "org_name", c.OrgName(), "channel", msg.Channel, "err", err)
			}
		}
		if m.recorder != nil {
			var replayID int64
			if msg.Event != nil {
				replayID = msg.Event.ReplayID
			}
			m.recorder.RecordForwarded(c.OrgName(), msg.Channel, replayID)
		}

		payload, err := json.Marshal(envelope)
		if err != nil {
			m.logger.Error("ENVELOPE_ENCODE_FAILED", "org_name", c.OrgName(), "channel", msg.Channel, "err", err)
			continue
		}

		wm := message.NewMessage(watermill.NewUUID(), payload)
		wm.Metadata.Set("org_name", c.OrgName())
		wm.Metadata.Set("channel", msg.Channel)
		if err := m.bus.Publish(envelopeTopic, wm); err != nil {
			m.logger.Error("ENVELOPE_PUBLISH_FAILED", "org_name", c.OrgName(), "channel", msg.Channel, "err", err)
		}
	}
}

// Wait blocks until every client has reached a terminal state, returning the
// first error recorded (nil on clean shutdown).
func (m *Manager) Wait() error {
	<-m.finished
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runErr
}

// Shutdown unsubscribes and disconnects every client, then stops their
// long-poll loops and closes the internal bus, per the teardown order of
// spec.md §4.E.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, c := range m.clients {
		for _, ch := range c.Channels() {
			if err := c.Unsubscribe(ctx, ch); err != nil {
				m.logger.Warn("UNSUBSCRIBE_FAILED", "org_name", c.OrgName(), "channel", ch, "err", err)
			}
		}
		if err := c.Disconnect(ctx); err != nil {
			m.logger.Warn("DISCONNECT_FAILED", "org_name", c.OrgName(), "err", err)
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	<-m.finished
	_ = m.bus.Close()
}
