package identityprovider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/module-identity-provisioning/interfaces"
)

// User is a directory entry kept by MemoryProvider.
type User struct {
	UserName    string
	Password    string
	DisplayName string
}

// MemoryProvider is an in-process directory for development and tests.
// Existing users are updated in place unless RejectExisting is set.
type MemoryProvider struct {
	mu             sync.Mutex
	users          map[string]User
	calls          int
	failure        error
	rejectExisting bool
	log            *slog.Logger
}

func NewMemoryProvider(log *slog.Logger) *MemoryProvider {
	return &MemoryProvider{users: make(map[string]User), log: log}
}

// SetFailure makes every subsequent CreateUser call fail with err, or
// succeed again when err is nil.
func (p *MemoryProvider) SetFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failure = err
}

// RejectExisting makes the provider return ErrIdentityExists for known users.
func (p *MemoryProvider) RejectExisting(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectExisting = reject
}

func (p *MemoryProvider) CreateUser(ctx context.Context, userName, password, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.failure != nil {
		return p.failure
	}
	if _, ok := p.users[userName]; ok && p.rejectExisting {
		return interfaces.ErrIdentityExists
	}
	p.users[userName] = User{UserName: userName, Password: password, DisplayName: displayName}
	p.log.Debug("Stored directory user", slog.String("userName", userName))
	return nil
}

func (p *MemoryProvider) Lookup(userName string) (User, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userName]
	return u, ok
}

// Calls returns the number of CreateUser invocations, failed ones included.
func (p *MemoryProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
