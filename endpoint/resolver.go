// Package endpoint decides which host the auth service is reached on, based on
// the build environment and the origin the front end is currently served from.
package endpoint

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// ServicePort is the port the backend services listen on outside production.
const ServicePort = 8000

// Environment is the read-only view of the runtime the resolver depends on.
// Origin is read on every call and may change between calls.
type Environment interface {
	Production() bool
	Origin() *url.URL
}

// StaticEnvironment is an Environment with fixed values.
type StaticEnvironment struct {
	IsProduction bool
	OriginURL    *url.URL
}

func (s StaticEnvironment) Production() bool { return s.IsProduction }
func (s StaticEnvironment) Origin() *url.URL { return s.OriginURL }

// MutableEnvironment is an Environment whose origin can be replaced at runtime,
// e.g. when the hosting address is only known per request.
type MutableEnvironment struct {
	production bool
	origin     *url.URL
	lock       sync.RWMutex
}

func NewMutableEnvironment(production bool, origin *url.URL) *MutableEnvironment {
	return &MutableEnvironment{production: production, origin: origin}
}

func (m *MutableEnvironment) Production() bool { return m.production }

func (m *MutableEnvironment) Origin() *url.URL {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.origin == nil {
		return nil
	}
	u := *m.origin
	return &u
}

func (m *MutableEnvironment) SetOrigin(origin *url.URL) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.origin = origin
}

var (
	portSuffixLabel = regexp.MustCompile(`^(.+)-(\d+)$`) // name-3000.app.github.dev
	portPrefixLabel = regexp.MustCompile(`^(\d+)-(.+)$`) // 3000-name.gitpod.io
)

// Resolver maps an Environment to the backend host.
type Resolver struct {
	env      Environment
	patterns []glob.Glob
	port     int
}

type ResolverOption func(*Resolver)

// WithPort overrides the backend service port.
func WithPort(port int) ResolverOption {
	return func(r *Resolver) {
		if port > 0 {
			r.port = port
		}
	}
}

// NewResolver compiles the remote development container host patterns.
func NewResolver(env Environment, devContainerPatterns []string, options ...ResolverOption) (*Resolver, error) {
	if env == nil {
		return nil, errors.New("[NewResolver] environment is required")
	}
	r := &Resolver{env: env, port: ServicePort}
	for _, p := range devContainerPatterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, errors.Wrapf(err, "[NewResolver] invalid host pattern %q", p)
		}
		r.patterns = append(r.patterns, g)
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Production reports the environment's production flag.
func (r *Resolver) Production() bool {
	return r.env.Production()
}

// Origin returns the current hosting origin, if known.
func (r *Resolver) Origin() *url.URL {
	return r.env.Origin()
}

// ResolveHost returns the backend origin, or nil in production where the
// caller should use its own origin.
func (r *Resolver) ResolveHost() *url.URL {
	if r.env.Production() {
		return nil
	}
	origin := r.env.Origin()
	if origin != nil && r.isDevContainer(origin.Hostname()) {
		return r.rewritePort(origin)
	}
	return &url.URL{Scheme: "http", Host: net.JoinHostPort("localhost", strconv.Itoa(r.port))}
}

func (r *Resolver) isDevContainer(hostname string) bool {
	for _, g := range r.patterns {
		if g.Match(hostname) {
			return true
		}
	}
	return false
}

func (r *Resolver) rewritePort(origin *url.URL) *url.URL {
	port := strconv.Itoa(r.port)
	hostname := origin.Hostname()
	label, rest := hostname, ""
	if i := strings.IndexByte(hostname, '.'); i >= 0 {
		label, rest = hostname[:i], hostname[i:]
	}

	out := &url.URL{Scheme: origin.Scheme}
	switch {
	case portSuffixLabel.MatchString(label):
		out.Host = portSuffixLabel.ReplaceAllString(label, "${1}-"+port) + rest
	case portPrefixLabel.MatchString(label):
		out.Host = portPrefixLabel.ReplaceAllString(label, port+"-${2}") + rest
	default:
		out.Host = net.JoinHostPort(hostname, port)
	}
	if out.Scheme == "" {
		out.Scheme = "https"
	}
	return out
}
