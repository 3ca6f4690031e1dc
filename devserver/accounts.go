package devserver

import (
	"crypto/sha256"
	"sync"
	"time"
	"unicode"

	autherrors "github.com/jrsteele09/estate-session/internal/errors"
	"github.com/jrsteele09/estate-session/rpc"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// selfAuthenticatingSuffix marks a principal derived from a hash.
const selfAuthenticatingSuffix = 0x02

// Account is a registered credential.
type Account struct {
	Principal    string
	Label        string
	PasswordHash string `json:"-"`
	DateJoined   time.Time
	LastLogin    time.Time
}

type AccountRepo interface {
	Upsert(account *Account) error
	GetByLabel(label string) (*Account, error)
	SetLastLogin(label string, at time.Time) error
}

var _ AccountRepo = (*InMemoryAccounts)(nil)

// InMemoryAccounts is a thread-safe in-memory AccountRepo.
type InMemoryAccounts struct {
	accounts map[string]*Account
	lock     sync.RWMutex
}

func NewInMemoryAccounts() *InMemoryAccounts {
	return &InMemoryAccounts{accounts: make(map[string]*Account)}
}

func (r *InMemoryAccounts) Upsert(account *Account) error {
	if account == nil || account.Label == "" {
		return errors.New("[InMemoryAccounts.Upsert] account label is required")
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	a := *account
	r.accounts[account.Label] = &a
	return nil
}

func (r *InMemoryAccounts) GetByLabel(label string) (*Account, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	a, ok := r.accounts[label]
	if !ok {
		return nil, autherrors.Wrapf(autherrors.ErrNotFound, "[InMemoryAccounts.GetByLabel] %s", label)
	}
	c := *a
	return &c, nil
}

func (r *InMemoryAccounts) SetLastLogin(label string, at time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	a, ok := r.accounts[label]
	if !ok {
		return autherrors.Wrapf(autherrors.ErrNotFound, "[InMemoryAccounts.SetLastLogin] %s", label)
	}
	a.LastLogin = at
	return nil
}

// ValidatePasswordStrength checks if password meets security requirements:
// - At least 8 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters long")
	}

	var hasUpper, hasLower, hasNumber bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		}
	}

	if !hasUpper {
		return errors.New("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return errors.New("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return errors.New("password must contain at least one number")
	}
	return nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// DerivePrincipal returns the self-authenticating principal for seed: the
// SHA-224 of seed followed by the 0x02 suffix byte.
func DerivePrincipal(seed string) string {
	sum := sha256.Sum224([]byte(seed))
	p, _ := rpc.EncodePrincipal(append(sum[:], selfAuthenticatingSuffix))
	return p
}
