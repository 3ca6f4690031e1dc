package devserver

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// AuthFlowState is an authorization code issued by the identity provider and
// not yet exchanged.
type AuthFlowState struct {
	ClientID         string
	RedirectURI      string
	CodeChallenge    string
	Nonce            string
	DerivationOrigin string
	Anchor           string
	CreatedAt        time.Time
}

type AuthFlowRepo interface {
	Upsert(code string, state *AuthFlowState) error
	Take(code string) (*AuthFlowState, error)
}

var _ AuthFlowRepo = (*InMemoryAuthFlows)(nil)

// InMemoryAuthFlows is a thread-safe in-memory AuthFlowRepo.
type InMemoryAuthFlows struct {
	mu     sync.Mutex
	states map[string]*AuthFlowState
}

func NewInMemoryAuthFlows() *InMemoryAuthFlows {
	return &InMemoryAuthFlows{states: make(map[string]*AuthFlowState)}
}

func (r *InMemoryAuthFlows) Upsert(code string, state *AuthFlowState) error {
	if code == "" {
		return errors.New("code cannot be empty")
	}
	if state == nil {
		return errors.New("state cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := *state
	r.states[code] = &s
	return nil
}

// Take returns the state for code and removes it: a code is single use.
func (r *InMemoryAuthFlows) Take(code string) (*AuthFlowState, error) {
	if code == "" {
		return nil, errors.New("code cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[code]
	if !ok {
		return nil, errors.New("code not found")
	}
	delete(r.states, code)
	return s, nil
}
