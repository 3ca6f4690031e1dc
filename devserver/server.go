// Package devserver is a local stand-in for the remote auth service and the
// delegated identity provider. It speaks the same JSON call transport as the
// production service, signs RS256 bearer tokens and serves its signing key as
// the root key, so clients run their trust bootstrap against it.
package devserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultTokenTTL   = 7 * 24 * time.Hour
	defaultIDTokenTTL = 30 * 24 * time.Hour
	defaultResetTTL   = time.Hour
	defaultCodeTTL    = 5 * time.Minute
)

// ResetNotifier delivers a password reset token to the account holder.
type ResetNotifier func(label, token string)

type Server struct {
	mux    *http.ServeMux
	routes []string

	serviceIDs  map[string]bool
	accounts    AccountRepo
	keyPair     *KeyPair
	signer      *Signer
	revoked     RevokedTokenCache
	resets      *resetTokens
	flows       AuthFlowRepo
	notifyReset ResetNotifier

	tokenTTL   time.Duration
	idTokenTTL time.Duration
	resetTTL   time.Duration
	codeTTL    time.Duration

	nowTime func() time.Time
	logger  zerolog.Logger
}

type Option func(*Server)

// WithServiceIDs restricts the call endpoint to the given service ids. Without
// it every service id is served.
func WithServiceIDs(ids ...string) Option {
	return func(s *Server) {
		for _, id := range ids {
			if id != "" {
				s.serviceIDs[id] = true
			}
		}
	}
}

func WithAccounts(repo AccountRepo) Option {
	return func(s *Server) {
		if repo != nil {
			s.accounts = repo
		}
	}
}

func WithKeyPair(kp *KeyPair) Option {
	return func(s *Server) {
		s.keyPair = kp
	}
}

// WithTokenTTL sets the lifetime of bearer tokens issued by login.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.tokenTTL = d
		}
	}
}

// WithIDTokenTTL sets the lifetime of ID tokens issued by the identity provider.
func WithIDTokenTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.idTokenTTL = d
		}
	}
}

func WithResetNotifier(n ResetNotifier) Option {
	return func(s *Server) {
		if n != nil {
			s.notifyReset = n
		}
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Server) {
		s.nowTime = nowFunc
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(options ...Option) (*Server, error) {
	s := &Server{
		mux:        http.NewServeMux(),
		serviceIDs: make(map[string]bool),
		accounts:   NewInMemoryAccounts(),
		revoked:    NewInMemoryRevokedTokenCache(),
		resets:     newResetTokens(),
		flows:      NewInMemoryAuthFlows(),
		tokenTTL:   defaultTokenTTL,
		idTokenTTL: defaultIDTokenTTL,
		resetTTL:   defaultResetTTL,
		codeTTL:    defaultCodeTTL,
		nowTime:    time.Now,
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.notifyReset == nil {
		s.notifyReset = func(label, token string) {
			s.logger.Info().Str("label", label).Str("resetToken", token).Msg("password reset requested")
		}
	}
	if s.keyPair == nil {
		kp, err := GenerateRSAKeyPair("dev-root-"+uuid.NewString()[:8], 2048)
		if err != nil {
			return nil, errors.Wrap(err, "[devserver.New]")
		}
		s.keyPair = kp
	}
	s.signer = NewSigner(s.keyPair)

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Register creates an account directly, bypassing the call transport. Used to
// seed accounts at start up.
func (s *Server) Register(label, secret string) (bool, error) {
	return s.register(label, secret)
}

func (s *Server) servesService(id string) bool {
	return len(s.serviceIDs) == 0 || s.serviceIDs[id]
}

// getScheme determines the scheme (http/https) the request arrived on
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
