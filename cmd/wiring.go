package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/webitel/rabbit-force/config"
	"github.com/webitel/rabbit-force/infra/pubsub"
	"github.com/webitel/rabbit-force/internal/cometd"
	"github.com/webitel/rabbit-force/internal/dashboard"
	"github.com/webitel/rabbit-force/internal/pipeline"
	"github.com/webitel/rabbit-force/internal/provisioner"
	"github.com/webitel/rabbit-force/internal/replaystore"
	"github.com/webitel/rabbit-force/internal/rferrors"
	"github.com/webitel/rabbit-force/internal/router"
	"github.com/webitel/rabbit-force/internal/sfauth"
	"github.com/webitel/rabbit-force/internal/sinkmanager"
	"github.com/webitel/rabbit-force/internal/sourcemanager"
)

// Bridge bundles every long-lived component the CLI's server command starts
// and tears down, in the startup order of spec.md §4.H: replay store, auth,
// resource provisioning, sink manager, router validation, source manager,
// pipeline.
type Bridge struct {
	Pipeline     *pipeline.Pipeline
	Provisioners []*provisioner.Provisioner
	Broker       *pubsub.Provider
	Source       *sourcemanager.Manager
	Recorder     *dashboard.Recorder

	logger *slog.Logger
}

// BuildBridge assembles the full bridge from cfg. Provisioning happens
// concurrently across orgs (bounded by an errgroup), a supplemented
// concurrency improvement over a strictly sequential per-org loop — a
// single slow/unreachable org no longer blocks every other org's startup.
func BuildBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	store, err := buildReplayStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	var recorder *dashboard.Recorder
	if cfg.Dashboard {
		recorder = dashboard.NewRecorder()
	}

	authenticators := make([]*sfauth.Authenticator, len(cfg.Orgs))
	provisioners := make([]*provisioner.Provisioner, len(cfg.Orgs))

	g, gctx := errgroup.WithContext(ctx)
	for i, org := range cfg.Orgs {
		i, org := i, org
		auth := sfauth.New(org)
		authenticators[i] = auth
		prov := provisioner.New(org, auth, nil, logger)
		provisioners[i] = prov
		g.Go(func() error {
			if err := prov.Provision(gctx); err != nil {
				return fmt.Errorf("org %s: %w", org.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	broker, err := pubsub.NewProvider(ctx, cfg.Brokers, logger)
	if err != nil {
		return nil, err
	}

	rt, err := router.New(cfg.Router)
	if err != nil {
		broker.Close()
		return nil, err
	}

	sink := sinkmanager.New(broker, cfg.IgnoreSinkErrors, logger)
	if recorder != nil {
		sink.SetRecorder(recorder)
	}
	if err := sink.ValidateRoutes(rt.ReferencedExchanges()); err != nil {
		broker.Close()
		return nil, err
	}

	clients := make([]sourcemanager.Client, len(cfg.Orgs))
	for i, org := range cfg.Orgs {
		resources := provisioners[i].Resources()
		channels := make(map[string]bool, len(resources))
		for _, res := range resources {
			channels[res.Channel()] = false
		}
		clients[i] = cometd.New(org, authenticators[i], store, logger, channels,
			cometd.WithConnectionTimeout(cfg.SourceConnectionTimeout))
	}
	source := sourcemanager.New(clients, store, logger)
	if recorder != nil {
		source.SetRecorder(recorder)
	}

	pl := pipeline.New(source, rt, sink, logger)
	if recorder != nil {
		pl.SetRecorder(recorder)
	}

	return &Bridge{
		Pipeline:     pl,
		Provisioners: provisioners,
		Broker:       broker,
		Source:       source,
		Recorder:     recorder,
		logger:       logger,
	}, nil
}

// buildReplayStore assembles the replay-persistence chain of spec.md §4.A:
// a Redis-backed store (or an in-memory null store when unconfigured)
// wrapped with an LRU read cache, monotonic-write guard, and finally the
// ignore_network_errors policy layer.
func buildReplayStore(cfg *config.Config, logger *slog.Logger) (replaystore.Store, error) {
	var backend replaystore.Store
	if cfg.ReplayAddress == "" {
		backend = replaystore.NewNullStore()
	} else {
		params := make(map[string]string, len(cfg.ReplayAdditionalParams))
		for k, v := range cfg.ReplayAdditionalParams {
			params[k] = fmt.Sprintf("%v", v)
		}
		redisStore, err := replaystore.NewRedisStore(cfg.ReplayAddress, cfg.ReplayKeyPrefix, params)
		if err != nil {
			return nil, rferrors.Configuration("replaystore.build", "%w", err)
		}
		backend = redisStore
	}

	cached, err := replaystore.NewCachedStore(backend, 4096)
	if err != nil {
		return nil, err
	}
	monotonic := replaystore.NewMonotonicStore(cached)
	return replaystore.NewPolicyStore(monotonic, logger, cfg.IgnoreReplayStorageErrors), nil
}

// Teardown closes the broker connections, then deletes every non-durable
// resource the app's provisioners created, per spec.md §4.H's shutdown
// order.
func (a *Bridge) Teardown(ctx context.Context) {
	if err := a.Broker.Close(); err != nil {
		a.logger.Warn("BROKER_CLOSE_FAILED", "err", err)
	}
	for _, p := range a.Provisioners {
		p.Teardown(ctx)
	}
}
