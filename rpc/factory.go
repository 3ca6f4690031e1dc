package rpc

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// DialFunc constructs a client bound to endpoint and serviceID.
type DialFunc func(ctx context.Context, endpoint *url.URL, serviceID string) (Client, error)

// HostResolver is the part of endpoint.Resolver the factory needs.
type HostResolver interface {
	ResolveHost() *url.URL
	Origin() *url.URL
	Production() bool
}

// ClientProvider hands out the shared remote client.
type ClientProvider interface {
	Client(ctx context.Context) (Client, error)
}

// construction is one (possibly in-flight) client build for an endpoint.
type construction struct {
	key    string
	done   chan struct{}
	client Client
	err    error
}

var _ ClientProvider = (*Factory)(nil)

// Factory lazily builds and memoizes the remote client. Callers that arrive
// while a build is running wait for that build. A change in the resolved
// endpoint starts a new build; clients already handed out keep their endpoint.
type Factory struct {
	resolver          HostResolver
	serviceID         string
	dial              DialFunc
	bootstrapAttempts uint64
	bootstrapBackoff  time.Duration
	logger            zerolog.Logger

	current *construction
	lock    sync.Mutex
}

type FactoryOption func(*Factory)

func WithDialFunc(dial DialFunc) FactoryOption {
	return func(f *Factory) {
		if dial != nil {
			f.dial = dial
		}
	}
}

// WithBootstrapRetry sets how many times the trust bootstrap is attempted and
// the initial backoff between attempts.
func WithBootstrapRetry(attempts uint64, backoff time.Duration) FactoryOption {
	return func(f *Factory) {
		if attempts > 0 {
			f.bootstrapAttempts = attempts
		}
		if backoff > 0 {
			f.bootstrapBackoff = backoff
		}
	}
}

func WithFactoryLogger(logger zerolog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

func NewFactory(resolver HostResolver, serviceID string, options ...FactoryOption) (*Factory, error) {
	if resolver == nil {
		return nil, errors.New("[NewFactory] resolver is required")
	}
	if serviceID == "" {
		return nil, errors.New("[NewFactory] service id is required")
	}
	f := &Factory{
		resolver:          resolver,
		serviceID:         serviceID,
		dial:              DialHTTP(),
		bootstrapAttempts: 3,
		bootstrapBackoff:  200 * time.Millisecond,
		logger:            log.Logger,
	}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// Client returns the client for the currently resolved endpoint, building it
// on first use. A failed build is not cached.
func (f *Factory) Client(ctx context.Context) (Client, error) {
	endpoint := f.resolver.ResolveHost()
	if endpoint == nil {
		endpoint = f.resolver.Origin()
	}
	if endpoint == nil {
		return nil, errors.New("[Factory.Client] no endpoint: production build without an origin")
	}
	key := endpoint.String()

	f.lock.Lock()
	c := f.current
	if c == nil || c.key != key {
		c = &construction{key: key, done: make(chan struct{})}
		f.current = c
		go f.build(context.WithoutCancel(ctx), c, endpoint)
	}
	f.lock.Unlock()

	select {
	case <-c.done:
		return c.client, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Factory) build(ctx context.Context, c *construction, endpoint *url.URL) {
	defer close(c.done)

	client, err := f.dial(ctx, endpoint, f.serviceID)
	if err != nil {
		c.err = errors.Wrapf(err, "[Factory.build] dial %s", c.key)
		f.forget(c)
		return
	}
	if !f.resolver.Production() {
		f.bootstrapTrust(ctx, client)
	}
	c.client = client
	f.logger.Debug().Str("endpoint", c.key).Str("service", f.serviceID).Msg("remote client ready")
}

// bootstrapTrust fetches the service signing root. Failure is logged only;
// the client is still used, and calls needing the root will fail later.
func (f *Factory) bootstrapTrust(ctx context.Context, client Client) {
	fetcher, ok := client.(RootKeyFetcher)
	if !ok {
		return
	}
	backoff := retry.WithMaxRetries(f.bootstrapAttempts-1, retry.NewExponential(f.bootstrapBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fetcher.FetchRootKey(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		f.logger.Warn().Err(err).Str("endpoint", client.Endpoint().String()).
			Msg("unable to fetch root key, signed responses will not verify")
	}
}

func (f *Factory) forget(c *construction) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.current == c {
		f.current = nil
	}
}
