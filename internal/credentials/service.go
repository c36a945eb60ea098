package credentials

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/config"
)

// Manager owns the process-wide Credentials snapshot, refreshing it via a
// Resolver and serving lock-free reads through an atomic.Pointer — readers
// (session creation, proxy request handling) never block on a refresh.
type Manager struct {
	resolver *Resolver
	current  atomic.Pointer[Credentials]
	mu       sync.Mutex // serializes refreshes
}

// NewManager builds a Manager and performs an initial synchronous load.
func NewManager(ctx context.Context, cfg config.ProxyConfig) (*Manager, error) {
	m := &Manager{resolver: NewResolver(cfg)}
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Refresh reloads all credentials from the three-source chain.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	creds, err := m.resolver.Load(ctx)
	if err != nil {
		return err
	}
	m.current.Store(creds)
	return nil
}

// Get returns the current value for a service.
func (m *Manager) Get(svc Service) (string, bool) {
	return m.current.Load().Get(svc)
}

// Snapshot returns the current Credentials value.
func (m *Manager) Snapshot() *Credentials {
	return m.current.Load()
}

// ValidateServiceID returns an AppError if id is outside the closed set of
// recognized credential identifiers.
func ValidateServiceID(id string) (Service, error) {
	svc := Service(id)
	if !KnownServices[svc] {
		return "", apperror.CredentialUnknown(id)
	}
	return svc, nil
}
