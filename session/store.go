// Package session holds the authenticated state of the front end: the bearer
// token, its expiry, the credential label and the caller principal. A Store is
// created once and passed to whatever needs it.
//
// Remote failures never escape as panics. Authenticate and Register return
// errors classified as ErrRejected or ErrUnavailable; the other operations
// report failure as false or as the NotAuthenticated sentinel.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	autherrors "github.com/jrsteele09/estate-session/internal/errors"
	"github.com/jrsteele09/estate-session/internal/utils"
	"github.com/jrsteele09/estate-session/rpc"
	"github.com/jrsteele09/estate-session/storage"
	"github.com/jrsteele09/estate-session/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultStorageKey = "auth_session"
	defaultExpiry     = 7 * 24 * time.Hour
)

// Store is the session state machine. All methods are safe for concurrent use.
type Store struct {
	clients          rpc.ClientProvider
	storage          *storage.Adapter
	storageKey       string
	defaultExpiry    time.Duration
	requireSignature bool
	nowTime          func() time.Time
	logger           zerolog.Logger
	metrics          *Metrics

	lock       sync.Mutex
	state      State
	session    Session
	generation uint64 // bumped when a token is installed or the session is logged out
	principals singleflight.Group
}

type StoreOption func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithMetrics(m *Metrics) StoreOption {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithDefaultExpiry sets the session lifetime used when the service does not
// supply one.
func WithDefaultExpiry(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.defaultExpiry = d
		}
	}
}

func WithStorageKey(key string) StoreOption {
	return func(s *Store) {
		if key != "" {
			s.storageKey = key
		}
	}
}

// WithSignatureRequired makes JWT bearer tokens verify against the client's
// trust root before they are accepted. Used outside production, where the
// trust root is bootstrapped.
func WithSignatureRequired(required bool) StoreOption {
	return func(s *Store) {
		s.requireSignature = required
	}
}

// NewStore creates an empty, unauthenticated Store. Call Initialize to
// rehydrate a persisted session.
func NewStore(clients rpc.ClientProvider, adapter *storage.Adapter, options ...StoreOption) (*Store, error) {
	if clients == nil {
		return nil, errors.New("[NewStore] client provider is required")
	}
	if adapter == nil {
		return nil, errors.New("[NewStore] storage adapter is required")
	}
	s := &Store{
		clients:       clients,
		storage:       adapter,
		storageKey:    defaultStorageKey,
		defaultExpiry: defaultExpiry,
		nowTime:       time.Now,
		logger:        log.Logger,
		state:         Unauthenticated,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s, nil
}

// Initialize rehydrates the session from storage. An expired record is purged.
// Calling it again once authenticated does nothing.
func (s *Store) Initialize(ctx context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := s.nowTime()
	s.expireLocked(now)
	if s.state == Authenticated || s.state == Authenticating {
		return
	}

	entry, durable, ok := s.storage.Lookup(s.storageKey)
	if !ok {
		s.state = Unauthenticated
		return
	}
	record, err := decodeRecord(entry.Value)
	if err != nil || record.Token == "" {
		s.logger.Warn().Err(err).Msg("discarding unreadable session record")
		s.storage.Clear(s.storageKey)
		s.state = Unauthenticated
		return
	}

	var expiresAt time.Time
	switch {
	case record.Expiry != nil:
		expiresAt = utils.FromUnixMilli(record.Expiry)
	case durable:
		// Durable records always carry an expiry.
		s.storage.Clear(s.storageKey)
		s.state = Unauthenticated
		return
	case !entry.ExpiresAt.IsZero():
		expiresAt = entry.ExpiresAt
	default:
		expiresAt = s.sessionTierExpiry(record.Token, now)
	}
	if !now.Before(expiresAt) {
		s.logger.Info().Str("label", record.Label).Msg("persisted session expired")
		s.storage.Clear(s.storageKey)
		s.state = Unauthenticated
		return
	}

	s.session = Session{
		Token:     record.Token,
		Principal: record.Principal,
		Label:     record.Label,
		ExpiresAt: expiresAt,
		Durable:   durable,
	}
	s.generation++
	s.state = Authenticated
	s.logger.Debug().Str("label", record.Label).Bool("durable", durable).Time("expiresAt", expiresAt).Msg("session restored")
}

// Authenticate exchanges credential for a token. With remember set the session
// is persisted to the durable tier, otherwise to the session tier only. On
// failure nothing is written and the previous state is kept.
func (s *Store) Authenticate(ctx context.Context, credential Credential, remember bool) error {
	s.lock.Lock()
	now := s.nowTime()
	s.expireLocked(now)
	if s.state == Authenticating {
		s.lock.Unlock()
		s.metrics.AuthAttempts.WithLabelValues(resultInProgress).Inc()
		return autherrors.ErrAuthInProgress
	}
	s.state = Authenticating
	gen := s.generation
	s.lock.Unlock()

	next, err := s.login(ctx, credential, remember)
	if err != nil {
		s.finishFailedAuthentication(gen)
		s.metrics.AuthAttempts.WithLabelValues(failureResult(err)).Inc()
		s.logger.Warn().Err(err).Str("label", credential.Label).Msg("authentication failed")
		return err
	}

	s.lock.Lock()
	if s.generation != gen {
		s.lock.Unlock()
		// A logout ran while the request was in flight. The token it issued
		// is never used, so it is invalidated on a best-effort basis.
		s.metrics.AuthAttempts.WithLabelValues(resultStale).Inc()
		if err := s.remoteLogout(ctx, next.Token); err != nil {
			s.metrics.LogoutRemoteFailures.Inc()
			s.logger.Warn().Err(err).Msg("unable to invalidate discarded token")
		}
		return autherrors.ErrStaleResult
	}
	defer s.lock.Unlock()
	s.session = next
	s.generation++
	s.state = Authenticated
	s.persistLocked()
	s.metrics.AuthAttempts.WithLabelValues(resultSuccess).Inc()
	s.logger.Info().Str("label", next.Label).Bool("remember", remember).Time("expiresAt", next.ExpiresAt).Msg("authenticated")
	return nil
}

// login performs the remote part of Authenticate and builds the new Session.
func (s *Store) login(ctx context.Context, credential Credential, remember bool) (Session, error) {
	client, err := s.clients.Client(ctx)
	if err != nil {
		return Session{}, rpc.ClassifyError(err)
	}
	result, err := client.Login(ctx, credential.Label, credential.Secret)
	if err != nil {
		return Session{}, rpc.ClassifyError(err)
	}
	if result == nil || result.Token == "" {
		return Session{}, errors.Wrap(autherrors.ErrRejected, "[Store.Authenticate] no token issued")
	}

	now := s.nowTime()
	claims, err := token.Inspect(result.Token, client.TrustRoot(), s.requireSignature, now)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", autherrors.ErrRejected, err)
	}

	expiresAt := result.Expiry
	if expiresAt.IsZero() {
		expiresAt = claims.ExpiresAt
	}
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.defaultExpiry)
	}
	if !now.Before(expiresAt) {
		return Session{}, errors.Wrap(autherrors.ErrRejected, "[Store.Authenticate] token expired on arrival")
	}

	principal := result.Principal
	if principal == "" && claims.Verified {
		principal = claims.Subject
	}
	return Session{
		Token:     result.Token,
		Principal: principal,
		Label:     credential.Label,
		ExpiresAt: expiresAt,
		Durable:   remember,
	}, nil
}

func (s *Store) finishFailedAuthentication(gen uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.generation != gen || s.state != Authenticating {
		return
	}
	if s.session.Valid(s.nowTime()) {
		s.state = Authenticated
		return
	}
	s.state = Unauthenticated
}

// Register creates an account and then logs into it.
func (s *Store) Register(ctx context.Context, credential Credential, remember bool) error {
	client, err := s.clients.Client(ctx)
	if err != nil {
		return rpc.ClassifyError(err)
	}
	ok, err := client.Register(ctx, credential.Label, credential.Secret)
	if err != nil {
		s.logger.Warn().Err(err).Str("label", credential.Label).Msg("registration failed")
		return rpc.ClassifyError(err)
	}
	if !ok {
		return errors.Wrap(autherrors.ErrRejected, "[Store.Register] registration declined")
	}
	return s.Authenticate(ctx, credential, remember)
}

// IsAuthenticated reports whether a token is held and unexpired. It has no
// side effects; an expired token is purged by the next mutating call.
func (s *Store) IsAuthenticated() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.session.Valid(s.nowTime())
}

// Principal returns the caller principal, resolving and caching it on first
// use. Concurrent callers for the same token share one remote resolution.
// Returns NotAuthenticated when there is no session or resolution fails.
func (s *Store) Principal(ctx context.Context) string {
	s.lock.Lock()
	s.expireLocked(s.nowTime())
	if !s.session.Valid(s.nowTime()) {
		s.lock.Unlock()
		return NotAuthenticated
	}
	if s.session.Principal != "" {
		p := s.session.Principal
		s.lock.Unlock()
		return p
	}
	tok, gen := s.session.Token, s.generation
	s.lock.Unlock()

	ch := s.principals.DoChan(tok, func() (any, error) {
		return s.resolvePrincipal(context.WithoutCancel(ctx), tok, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			s.logger.Warn().Err(res.Err).Msg("unable to resolve principal")
			return NotAuthenticated
		}
		return res.Val.(string)
	case <-ctx.Done():
		return NotAuthenticated
	}
}

func (s *Store) resolvePrincipal(ctx context.Context, tok string, gen uint64) (string, error) {
	client, err := s.clients.Client(ctx)
	if err != nil {
		s.metrics.PrincipalResolutions.WithLabelValues(resultUnavailable).Inc()
		return "", rpc.ClassifyError(err)
	}
	principal, err := client.GetPrincipalFromToken(ctx, tok)
	if err != nil {
		s.metrics.PrincipalResolutions.WithLabelValues(failureResult(rpc.ClassifyError(err))).Inc()
		return "", rpc.ClassifyError(err)
	}
	if principal == "" {
		s.metrics.PrincipalResolutions.WithLabelValues(resultRejected).Inc()
		return "", errors.Wrap(autherrors.ErrRejected, "[Store.Principal] empty principal")
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.generation != gen || s.session.Token != tok {
		s.metrics.PrincipalResolutions.WithLabelValues(resultStale).Inc()
		return "", autherrors.ErrStaleResult
	}
	if s.session.Principal == "" {
		s.session.Principal = principal
		s.persistLocked()
	}
	s.metrics.PrincipalResolutions.WithLabelValues(resultSuccess).Inc()
	return s.session.Principal, nil
}

// Verify asks the service whether the session is still valid. A session the
// service declines is logged out; a transport failure reports false and keeps
// the session.
func (s *Store) Verify(ctx context.Context) bool {
	s.lock.Lock()
	s.expireLocked(s.nowTime())
	tok := s.session.Token
	s.lock.Unlock()
	if tok == "" {
		return false
	}

	client, err := s.clients.Client(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("session verification unavailable")
		return false
	}
	valid, err := client.VerifySession(ctx, tok)
	if err != nil && autherrors.Is(rpc.ClassifyError(err), autherrors.ErrUnavailable) {
		s.logger.Warn().Err(err).Msg("session verification unavailable")
		return false
	}
	if err != nil || !valid {
		s.logger.Info().Err(err).Msg("session no longer valid, logging out")
		s.Logout(ctx)
		return false
	}
	return true
}

// Logout invalidates the token remotely on a best-effort basis, then clears
// the session and both storage tiers regardless of the remote outcome.
func (s *Store) Logout(ctx context.Context) {
	s.lock.Lock()
	tok := s.session.Token
	s.lock.Unlock()

	if tok != "" {
		if err := s.remoteLogout(ctx, tok); err != nil {
			s.metrics.LogoutRemoteFailures.Inc()
			s.logger.Warn().Err(err).Msg("remote logout failed, clearing local session anyway")
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.clearLocked(LoggedOut)
	s.logger.Info().Msg("logged out")
}

func (s *Store) remoteLogout(ctx context.Context, tok string) error {
	client, err := s.clients.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Logout(ctx, tok)
	return err
}

// RequestPasswordReset asks the service to send a reset token for label.
func (s *Store) RequestPasswordReset(ctx context.Context, label string) bool {
	client, err := s.clients.Client(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("password reset request unavailable")
		return false
	}
	ok, err := client.RequestPasswordReset(ctx, label)
	if err != nil {
		s.logger.Warn().Err(err).Str("label", label).Msg("password reset request failed")
		return false
	}
	return ok
}

// ResetPassword sets a new secret for label using a reset token.
func (s *Store) ResetPassword(ctx context.Context, label, resetToken, newSecret string) bool {
	client, err := s.clients.Client(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("password reset unavailable")
		return false
	}
	ok, err := client.ResetPassword(ctx, label, resetToken, newSecret)
	if err != nil {
		s.logger.Warn().Err(err).Str("label", label).Msg("password reset failed")
		return false
	}
	return ok
}

// State returns the current state machine state.
func (s *Store) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Snapshot returns a copy of the current session. An expired token is
// reported as absent.
func (s *Store) Snapshot() Session {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.session.Valid(s.nowTime()) {
		return Session{}
	}
	return s.session
}

// Token returns the bearer token, or "" when not authenticated.
func (s *Store) Token() string {
	return s.Snapshot().Token
}

// Label returns the credential label of the session, or "".
func (s *Store) Label() string {
	return s.Snapshot().Label
}

// expireLocked purges an expired session. An authentication in flight is not
// affected. Caller holds the lock.
func (s *Store) expireLocked(now time.Time) {
	if s.session.Token == "" || now.Before(s.session.ExpiresAt) {
		if s.state == Expired || s.state == LoggedOut {
			s.state = Unauthenticated
		}
		return
	}
	s.logger.Info().Str("label", s.session.Label).Msg("session expired")
	s.session = Session{}
	s.storage.Clear(s.storageKey)
	if s.state != Authenticating {
		s.state = Expired
	}
}

// clearLocked drops the session and invalidates every request in flight.
func (s *Store) clearLocked(next State) {
	s.session = Session{}
	s.generation++
	s.state = next
	s.storage.Clear(s.storageKey)
}

// persistLocked writes the session to its tier. Both tiers are cleared first so
// the only stored record is the one for the current session. The session-tier
// entry carries the expiry outside the record, so a restore cannot extend it.
func (s *Store) persistLocked() {
	data, err := recordFrom(s.session).encode()
	if err != nil {
		s.logger.Error().Err(err).Msg("unable to encode session record")
		return
	}
	s.storage.Clear(s.storageKey)
	s.storage.Write(s.storageKey, data, s.session.Durable, s.session.ExpiresAt)
}

// sessionTierExpiry picks an expiry for a session-tier record whose entry
// carries none: the token's own expiry if it has one, else the default
// lifetime from now.
func (s *Store) sessionTierExpiry(tok string, now time.Time) time.Time {
	if claims, err := token.Inspect(tok, nil, false, now); err == nil && !claims.ExpiresAt.IsZero() {
		return claims.ExpiresAt
	}
	return now.Add(s.defaultExpiry)
}

func failureResult(err error) string {
	if autherrors.Is(err, autherrors.ErrRejected) {
		return resultRejected
	}
	return resultUnavailable
}
