package main

import (
	"context"
	"net/url"

	"github.com/jrsteele09/estate-session/endpoint"
	"github.com/jrsteele09/estate-session/internal/config"
	"github.com/jrsteele09/estate-session/rpc"
	"github.com/jrsteele09/estate-session/session"
	"github.com/jrsteele09/estate-session/storage"
	"github.com/jrsteele09/estate-session/storage/bolttier"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// appOptions are the seams tests use to point the CLI at a local service.
type appOptions struct {
	dial     rpc.DialFunc
	registry prometheus.Registerer
}

// app is the wired session client shared by every command.
type app struct {
	cfg      config.Config
	resolver *endpoint.Resolver
	store    *session.Store
	durable  *bolttier.Tier
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}

	origin, err := url.Parse(cfg.GetOrigin())
	if err != nil {
		return nil, errors.Wrapf(err, "[newApp] invalid origin %q", cfg.GetOrigin())
	}
	env := endpoint.StaticEnvironment{IsProduction: cfg.IsProduction(), OriginURL: origin}
	resolver, err := endpoint.NewResolver(env, cfg.GetDevContainerPatterns(), endpoint.WithPort(cfg.GetServicePort()))
	if err != nil {
		return nil, err
	}

	factoryOptions := []rpc.FactoryOption{rpc.WithBootstrapRetry(cfg.GetBootstrapAttempts(), 0)}
	if opts.dial != nil {
		factoryOptions = append(factoryOptions, rpc.WithDialFunc(opts.dial))
	}
	factory, err := rpc.NewFactory(resolver, cfg.GetAuthServiceID(), factoryOptions...)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, resolver: resolver}
	var durable storage.Tier
	if t, err := bolttier.Open(config.DurableStorePath(cfg)); err != nil {
		log.Warn().Err(err).Msg("durable session storage unavailable, sessions will not be remembered")
	} else {
		a.durable = t
		durable = t
	}
	adapter := storage.NewAdapter(storage.NewMemoryTier(), durable, storage.WithDurableHorizon(cfg.GetDefaultSessionExpiry()))

	a.store, err = session.NewStore(factory, adapter,
		session.WithDefaultExpiry(cfg.GetDefaultSessionExpiry()),
		session.WithStorageKey(cfg.GetSessionStorageKey()),
		session.WithSignatureRequired(!cfg.IsProduction()),
		session.WithMetrics(session.NewMetrics(opts.registry)),
	)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.store.Initialize(ctx)
	return a, nil
}

func (a *app) close() error {
	if a == nil {
		return nil
	}
	return a.durable.Close()
}
