// Package rpcfake is an in-memory auth service for tests.
package rpcfake

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jrsteele09/estate-session/rpc"
)

var _ rpc.Client = (*FakeAuthService)(nil)

type fakeSession struct {
	label     string
	principal string
}

// FakeAuthService implements rpc.Client without a network. Calls can be made
// to fail with SetError or to block with Hold.
type FakeAuthService struct {
	endpoint  *url.URL
	serviceID string

	accounts   map[string]string // label -> secret
	principals map[string]string // label -> principal
	sessions   map[string]fakeSession
	errs       map[string]error
	holds      map[string]chan struct{}
	calls      map[string]int
	nextToken  int

	// LoginExpiry, when set, is returned with every login.
	LoginExpiry time.Time
	// PrincipalOnLogin makes login return the principal alongside the token.
	PrincipalOnLogin bool
	// Trust is returned by TrustRoot.
	Trust *rpc.TrustRoot

	lock sync.Mutex
}

func NewFakeAuthService() *FakeAuthService {
	u, _ := url.Parse("http://localhost:8000")
	return &FakeAuthService{
		endpoint:   u,
		serviceID:  "fake-service",
		accounts:   make(map[string]string),
		principals: make(map[string]string),
		sessions:   make(map[string]fakeSession),
		errs:       make(map[string]error),
		holds:      make(map[string]chan struct{}),
		calls:      make(map[string]int),
	}
}

// AddAccount registers label with secret and the principal its tokens resolve to.
func (f *FakeAuthService) AddAccount(label, secret, principal string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.accounts[label] = secret
	f.principals[label] = principal
}

// IssueToken pins the token the next login hands out.
func (f *FakeAuthService) IssueToken(token string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.sessions[token] = fakeSession{}
}

// SetError makes every call of method fail with err until cleared with nil.
func (f *FakeAuthService) SetError(method string, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// Hold blocks calls of method until the returned release func is called.
func (f *FakeAuthService) Hold(method string) (release func()) {
	ch := make(chan struct{})
	f.lock.Lock()
	f.holds[method] = ch
	f.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.lock.Lock()
			delete(f.holds, method)
			f.lock.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many times method was invoked.
func (f *FakeAuthService) Calls(method string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[method]
}

// ActiveSessions returns the number of live tokens.
func (f *FakeAuthService) ActiveSessions() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.label != "" {
			n++
		}
	}
	return n
}

func (f *FakeAuthService) Endpoint() *url.URL { return f.endpoint }

func (f *FakeAuthService) ServiceID() string { return f.serviceID }

func (f *FakeAuthService) TrustRoot() *rpc.TrustRoot { return f.Trust }

func (f *FakeAuthService) Register(ctx context.Context, label, secret string) (bool, error) {
	if err := f.enter(ctx, rpc.MethodRegister); err != nil {
		return false, err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, exists := f.accounts[label]; exists {
		return false, nil
	}
	f.accounts[label] = secret
	if _, ok := f.principals[label]; !ok {
		f.principals[label] = "principal-" + label
	}
	return true, nil
}

func (f *FakeAuthService) Login(ctx context.Context, label, secret string) (*rpc.LoginResult, error) {
	if err := f.enter(ctx, rpc.MethodLogin); err != nil {
		return nil, err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if s, ok := f.accounts[label]; !ok || s != secret {
		return nil, &rpc.RemoteError{Method: rpc.MethodLogin, Message: "invalid credentials"}
	}

	token := ""
	for t, s := range f.sessions {
		if s.label == "" {
			token = t
			break
		}
	}
	if token == "" {
		f.nextToken++
		token = fmt.Sprintf("token-%d", f.nextToken)
	}
	f.sessions[token] = fakeSession{label: label, principal: f.principals[label]}

	result := &rpc.LoginResult{Token: token, Expiry: f.LoginExpiry}
	if f.PrincipalOnLogin {
		result.Principal = f.principals[label]
	}
	return result, nil
}

func (f *FakeAuthService) Logout(ctx context.Context, token string) (bool, error) {
	if err := f.enter(ctx, rpc.MethodLogout); err != nil {
		return false, err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.sessions[token]
	delete(f.sessions, token)
	return ok, nil
}

func (f *FakeAuthService) VerifySession(ctx context.Context, token string) (bool, error) {
	if err := f.enter(ctx, rpc.MethodVerifySession); err != nil {
		return false, err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	s, ok := f.sessions[token]
	return ok && s.label != "", nil
}

func (f *FakeAuthService) GetPrincipalFromToken(ctx context.Context, token string) (string, error) {
	if err := f.enter(ctx, rpc.MethodGetPrincipalFromToken); err != nil {
		return "", err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	s, ok := f.sessions[token]
	if !ok || s.label == "" {
		return "", &rpc.RemoteError{Method: rpc.MethodGetPrincipalFromToken, Message: "unknown token"}
	}
	return s.principal, nil
}

func (f *FakeAuthService) RequestPasswordReset(ctx context.Context, label string) (bool, error) {
	if err := f.enter(ctx, rpc.MethodRequestPasswordReset); err != nil {
		return false, err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.accounts[label]
	return ok, nil
}

func (f *FakeAuthService) ResetPassword(ctx context.Context, label, resetToken, newSecret string) (bool, error) {
	if err := f.enter(ctx, rpc.MethodResetPassword); err != nil {
		return false, err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.accounts[label]; !ok || resetToken == "" {
		return false, nil
	}
	f.accounts[label] = newSecret
	return true, nil
}

// enter records the call, waits on any hold, then reports a configured error.
func (f *FakeAuthService) enter(ctx context.Context, method string) error {
	f.lock.Lock()
	f.calls[method]++
	hold := f.holds[method]
	f.lock.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	return f.errs[method]
}

// Provider is an rpc.ClientProvider that always returns the same client.
type Provider struct {
	Service rpc.Client
	Err     error
}

func (p Provider) Client(context.Context) (rpc.Client, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Service, nil
}
