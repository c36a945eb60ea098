package manager

import (
	"context"
	"strconv"
	"sync"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/event"
	"github.com/clauderon/clauderon/internal/session"
)

// fakeStore is an in-memory Store used by every test in this package,
// playing the role *store.Store plays in production.
type fakeStore struct {
	mu     sync.Mutex
	saved  map[string]*session.Session
	events []event.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]*session.Session)}
}

func (f *fakeStore) ListSessions() ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*session.Session, 0, len(f.saved))
	for _, s := range f.saved {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) GetSession(id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.saved[id]
	if !ok {
		return nil, errNotFound
	}
	return s, nil
}

func (f *fakeStore) SaveSession(sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sess
	f.saved[sess.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, id)
	return nil
}

func (f *fakeStore) RecordEvent(e event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) AddRecentRepo(repoPath, subdirectory string) error { return nil }

func (f *fakeStore) SaveSessionRepositories(sessionID string, repos []session.Repository) error {
	return nil
}

func (f *fakeStore) countEvents(typ event.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound = notFoundError{}

// fakeBackend is an in-memory backend.Backend: no subprocess, no network.
type fakeBackend struct {
	mu          sync.Mutex
	created     map[string]bool
	failCreate  bool
	failDelete  bool
	createCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{created: make(map[string]bool)}
}

func (b *fakeBackend) Create(ctx context.Context, name, workdir, prompt string, opts backend.CreateOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createCalls++
	if b.failCreate {
		return "", apperror.Internal("fake backend create failure", nil)
	}
	id := "fake-" + name
	// Every create after the first gets a distinct id, as a real substrate
	// hands out a fresh id for a recreated sandbox.
	if b.createCalls > 1 {
		id += "-" + strconv.Itoa(b.createCalls)
	}
	b.created[id] = true
	return id, nil
}

func (b *fakeBackend) Exists(ctx context.Context, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created[id]
}

func (b *fakeBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.created, id)
	if b.failDelete {
		return apperror.Internal("fake backend delete failure", nil)
	}
	return nil
}

func (b *fakeBackend) AttachCommand(ctx context.Context, id string) ([]string, error) {
	return []string{"fake", "attach", id}, nil
}

func (b *fakeBackend) GetOutput(ctx context.Context, id string, lines int) (string, error) {
	return "", nil
}

func (b *fakeBackend) ListManaged(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.created))
	for id := range b.created {
		ids = append(ids, id)
	}
	return ids, nil
}
