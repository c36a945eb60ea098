// Package manager implements the session manager: the component that turns
// a create/archive/delete/send-prompt request into coordinated actions
// against the store, the worktree service, an execution backend, and a
// session's credential proxy, per spec.md §4.8.
package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/audit"
	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/credentials"
	"github.com/clauderon/clauderon/internal/event"
	"github.com/clauderon/clauderon/internal/logging"
	"github.com/clauderon/clauderon/internal/proxy"
	"github.com/clauderon/clauderon/internal/session"
	"github.com/clauderon/clauderon/internal/worktree"
)

// Store is the subset of *store.Store the manager depends on, narrowed so
// tests can substitute a fake.
type Store interface {
	ListSessions() ([]*session.Session, error)
	GetSession(id string) (*session.Session, error)
	SaveSession(sess *session.Session) error
	DeleteSession(id string) error
	RecordEvent(e event.Event) error
	AddRecentRepo(repoPath, subdirectory string) error
	SaveSessionRepositories(sessionID string, repos []session.Repository) error
}

// CreateRequest is the full parameter set a caller supplies to CreateSession.
type CreateRequest struct {
	RepoPath            string
	Subdirectory        string
	Repositories        []session.Repository // additional repos beyond the primary one, if any
	Title               string
	Description         string
	Prompt              string
	Images              []string
	Backend             session.Backend
	Agent               session.Agent
	Model               string
	PlanMode            bool
	DangerousSkipChecks bool
	ContainerImage      string
	ContainerResources  backend.ContainerResources
	AccessMode          session.AccessMode
}

// Result is CreateSession's outcome: the persisted session plus any
// non-fatal warnings surfaced along the way (a worktree post-checkout hook
// failure, a per-session proxy that failed to start in lenient mode).
type Result struct {
	Session  *session.Session
	Warnings []string
}

// proxyHandle is the manager's bookkeeping for one running per-session proxy.
type proxyHandle struct {
	srv      *proxy.Server
	listener net.Listener
	http     *http.Server
}

// Manager owns every session's lifecycle: creation, archival, deletion,
// access-mode and agent-status updates, prompt delivery, and (via its
// reconciler) drift detection and recovery. Its in-memory session index is
// an RWMutex-guarded map mirroring the durable store, grounded on the
// teacher's ExecutionStore: the store is consulted on startup and every
// mutation goes through both the store and this map so reads never pay for
// a round trip to disk.
type Manager struct {
	store    Store
	worktree *worktree.Service
	backends map[session.Backend]backend.Backend

	ca           *proxy.CA
	rules        []proxy.Rule
	creds        *credentials.Manager
	audit        *audit.Logger
	strictProxy  bool

	worktreeBase string

	log *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session

	proxyMu sync.Mutex
	proxies map[string]*proxyHandle
}

// Dependencies groups every collaborator the manager is constructed with.
type Dependencies struct {
	Store        Store
	Worktree     *worktree.Service
	Backends     map[session.Backend]backend.Backend
	CA           *proxy.CA
	Rules        []proxy.Rule
	Credentials  *credentials.Manager
	Audit        *audit.Logger
	StrictProxy  bool
	WorktreeBase string
}

// New builds a Manager and hydrates its in-memory index from the store,
// mirroring the teacher's NewManager dependency-injection constructor shape.
func New(deps Dependencies, log *logging.Logger) (*Manager, error) {
	if log == nil {
		log = logging.Default()
	}
	rules := deps.Rules
	if rules == nil {
		rules = proxy.DefaultRules
	}

	m := &Manager{
		store:        deps.Store,
		worktree:     deps.Worktree,
		backends:     deps.Backends,
		ca:           deps.CA,
		rules:        rules,
		creds:        deps.Credentials,
		audit:        deps.Audit,
		strictProxy:  deps.StrictProxy,
		worktreeBase: deps.WorktreeBase,
		log:          log,
		sessions:     make(map[string]*session.Session),
		proxies:      make(map[string]*proxyHandle),
	}

	sessions, err := deps.Store.ListSessions()
	if err != nil {
		return nil, apperror.Wrap(err, "hydrate session index")
	}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return m, nil
}

func (m *Manager) backendFor(b session.Backend) (backend.Backend, error) {
	impl, ok := m.backends[b]
	if !ok {
		return nil, apperror.BadRequest(fmt.Sprintf("backend %q is not enabled", b))
	}
	return impl, nil
}

// List returns every in-memory session, newest first.
func (m *Manager) List() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListFilter narrows ListFiltered's results. A zero value of either field
// matches every session for that dimension.
type ListFilter struct {
	Status  session.Status
	Backend session.Backend
}

// ListFiltered is the sort/filter-friendly query a presentation layer (CLI
// or TUI) needs without reaching into the manager's internals: status and
// backend filters, applied independently.
func (m *Manager) ListFiltered(filter ListFilter) []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.Backend != "" && s.Backend != filter.Backend {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Get returns one session by id.
func (m *Manager) Get(id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperror.NotFound("session", id)
	}
	return s, nil
}

func (m *Manager) put(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// deriveBaseName builds a filesystem-and-backend-safe base name out of the
// repository and the first few words of the prompt, e.g.
// "clauderon-add-retry-logic". There is no naming helper anywhere in the
// pack to ground this on, so it follows the same minimal, dependency-free
// shape as the rest of the codebase's small string-sanitizing helpers (see
// backend.SanitizeGitIdentityField): lowercase, collapse to hyphens, and
// truncate, entirely via the standard library since no third-party slug
// library appears anywhere in go.mod or the examples.
func deriveBaseName(repoPath, prompt string) string {
	repo := filepath.Base(strings.TrimRight(repoPath, "/"))
	words := strings.Fields(prompt)
	if len(words) > 5 {
		words = words[:5]
	}
	slug := nameSanitizer.ReplaceAllString(strings.ToLower(strings.Join(words, "-")), "-")
	slug = strings.Trim(slug, "-")
	repoSlug := nameSanitizer.ReplaceAllString(strings.ToLower(repo), "-")
	repoSlug = strings.Trim(repoSlug, "-")
	if repoSlug == "" {
		repoSlug = "session"
	}
	if slug == "" {
		return repoSlug
	}
	base := repoSlug + "-" + slug
	const maxLen = 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	return strings.Trim(base, "-")
}

func randomSuffix() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// uniqueName tries base, then base-<suffix> a bounded number of times.
func (m *Manager) uniqueName(base string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	taken := func(name string) bool {
		for _, s := range m.sessions {
			if s.Name == name {
				return true
			}
		}
		return false
	}
	if !taken(base) {
		return base
	}
	const maxAttempts = 10
	for i := 0; i < maxAttempts; i++ {
		candidate := base + "-" + randomSuffix()
		if !taken(candidate) {
			return candidate
		}
	}
	return base + "-" + randomSuffix()
}

// CreateSession runs spec.md §4.8's ten-step create sequence: derive a base
// name and pick an unused one, compute the worktree path, build a Creating
// session in memory and record its SessionCreated event, create the
// worktree, optionally allocate a per-session proxy, build the launch
// prompt, delegate to the backend, then record the BackendIdSet/StatusChanged
// events and save the Running session. No session row is saved before the
// backend create succeeds.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Result, error) {
	if req.RepoPath == "" {
		return nil, apperror.BadRequest("repo_path is required")
	}
	if _, err := m.backendFor(req.Backend); err != nil {
		return nil, err
	}

	result := &Result{}

	base := deriveBaseName(req.RepoPath, req.Prompt)
	name := m.uniqueName(base)

	branchName := name
	worktreePath := filepath.Join(m.worktreeBase, name)

	accessMode := req.AccessMode
	if accessMode == "" {
		accessMode = session.AccessReadWrite
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:                  randomSuffix() + randomSuffix() + randomSuffix(),
		Name:                name,
		Title:               req.Title,
		Description:         req.Description,
		RepoPath:            req.RepoPath,
		Subdirectory:        req.Subdirectory,
		WorktreePath:        worktreePath,
		BranchName:          branchName,
		Backend:             req.Backend,
		Agent:               req.Agent,
		Model:               req.Model,
		DangerousSkipChecks: req.DangerousSkipChecks,
		AccessMode:          accessMode,
		InitialPrompt:       req.Prompt,
		Images:              req.Images,
		Status:              session.StatusCreating,
		ClaudeStatus:        session.ClaudeStatusUnknown,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if len(req.Repositories) > 0 {
		sess.Repositories = req.Repositories
	}

	// The SessionCreated event may be recorded before anything else
	// succeeds (events carry no durable session row to roll back), but the
	// session row itself is not persisted and not added to the in-memory
	// index until the backend sandbox create below succeeds. Every earlier
	// failure path returns with no session state surviving it, per spec.
	if err := m.store.RecordEvent(event.New(sess.ID, event.TypeSessionCreated, map[string]string{
		"name": sess.Name, "repo_path": sess.RepoPath,
	})); err != nil {
		m.log.WithError(err).Warn("failed to record session_created event", zap.String("session_id", sess.ID))
	}

	wtResult, err := m.worktree.Create(ctx, req.RepoPath, worktreePath, branchName)
	if err != nil {
		return nil, apperror.Wrap(err, "create worktree")
	}
	if wtResult.Warning != "" {
		result.Warnings = append(result.Warnings, wtResult.Warning)
	}

	var proxyPort int
	if handle, port, perr := m.startSessionProxy(sess.ID, accessMode); perr != nil {
		msg := fmt.Sprintf("per-session proxy failed to start: %v", perr)
		if m.strictProxy {
			_ = m.worktree.Delete(ctx, req.RepoPath, worktreePath)
			return nil, apperror.Internal(msg, perr)
		}
		m.log.WithError(perr).Warn("continuing without per-session proxy", zap.String("session_id", sess.ID))
		result.Warnings = append(result.Warnings, msg)
	} else if handle != nil {
		proxyPort = port
	}
	sess.ProxyPort = proxyPort

	prompt := req.Prompt
	if req.PlanMode {
		prompt = planModePreamble + prompt
	}

	impl, err := m.backendFor(req.Backend)
	if err != nil {
		return nil, err
	}

	opts := backend.CreateOptions{
		Agent:               req.Agent,
		Model:               req.Model,
		PlanMode:            req.PlanMode,
		SessionProxyPort:    proxyPort,
		Images:              req.Images,
		DangerousSkipChecks: req.DangerousSkipChecks,
		SessionID:           sess.ID,
		InitialWorkdir:      worktreePath,
		ContainerImage:      req.ContainerImage,
		ContainerResources:  req.ContainerResources,
		PullPolicy:          backend.PullIfNotPresent,
	}

	backendID, err := impl.Create(ctx, name, worktreePath, prompt, opts)
	if err != nil {
		m.teardownProxy(sess.ID)
		_ = m.worktree.Delete(ctx, req.RepoPath, worktreePath)
		return nil, apperror.Wrap(err, "create backend sandbox")
	}

	sess.BackendID = backendID
	oldStatus := sess.Status
	sess.Status = session.StatusRunning
	sess.UpdatedAt = time.Now().UTC()

	if err := m.store.RecordEvent(event.New(sess.ID, event.TypeBackendIDSet, event.BackendIDSetPayload{BackendID: backendID})); err != nil {
		m.log.WithError(err).Warn("failed to record backend_id_set event", zap.String("session_id", sess.ID))
	}
	if err := m.store.RecordEvent(event.New(sess.ID, event.TypeStatusChanged, event.StatusChangedPayload{Old: string(oldStatus), New: string(sess.Status)})); err != nil {
		m.log.WithError(err).Warn("failed to record status_changed event", zap.String("session_id", sess.ID))
	}
	if err := m.store.SaveSession(sess); err != nil {
		return nil, apperror.Wrap(err, "persist running session")
	}
	m.put(sess)

	if len(req.Repositories) > 0 {
		if err := m.store.SaveSessionRepositories(sess.ID, req.Repositories); err != nil {
			m.log.WithError(err).Warn("failed to persist session repository list", zap.String("session_id", sess.ID))
		}
	}

	if err := m.store.AddRecentRepo(req.RepoPath, req.Subdirectory); err != nil {
		m.log.WithError(err).Debug("failed to record recent repo", zap.String("repo_path", req.RepoPath))
	}

	result.Session = sess
	return result, nil
}

const planModePreamble = "Plan only. Do not modify any files until the plan is approved.\n\n"

// transition persists a status change and its event, updating the in-memory
// index atomically with the store write.
func (m *Manager) transition(sess *session.Session, next session.Status) error {
	old := sess.Status
	if old == next {
		return nil
	}
	sess.Status = next
	sess.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(sess); err != nil {
		return apperror.Wrap(err, "persist status transition")
	}
	if err := m.store.RecordEvent(event.New(sess.ID, event.TypeStatusChanged, event.StatusChangedPayload{Old: string(old), New: string(next)})); err != nil {
		m.log.WithError(err).Warn("failed to record status_changed event", zap.String("session_id", sess.ID))
	}
	m.put(sess)
	return nil
}

// ArchiveSession moves a session to Archived from any non-Deleting state.
// The backend sandbox and worktree are left in place: archival is reversible.
func (m *Manager) ArchiveSession(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusDeleting {
		return apperror.Conflict("session is being deleted")
	}
	return m.transition(sess, session.StatusArchived)
}

// RestoreSession moves an Archived session back to Running.
func (m *Manager) RestoreSession(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusArchived {
		return apperror.Conflict("session is not archived")
	}
	return m.transition(sess, session.StatusRunning)
}

// DeleteSession tears down a session's backend sandbox, per-session proxy,
// and worktree, then removes its record. Substrate teardown failures are
// logged, not fatal: deletion always completes from the manager's point of
// view, per spec.md §4.8.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}

	sess.Status = session.StatusDeleting
	_ = m.store.SaveSession(sess)
	m.put(sess)

	if sess.BackendID != "" {
		if impl, berr := m.backendFor(sess.Backend); berr == nil {
			if derr := impl.Delete(ctx, sess.BackendID); derr != nil {
				m.log.WithError(derr).Warn("backend delete failed during session delete",
					zap.String("session_id", id), zap.String("backend_id", sess.BackendID))
			}
		}
	}

	m.teardownProxy(id)

	for _, repo := range sess.EffectiveRepositories() {
		if repo.WorktreePath == "" {
			continue
		}
		if err := m.worktree.Delete(ctx, repo.RepoPath, repo.WorktreePath); err != nil {
			m.log.WithError(err).Warn("worktree delete failed during session delete",
				zap.String("session_id", id), zap.String("worktree_path", repo.WorktreePath))
		}
	}

	if err := m.store.RecordEvent(event.New(id, event.TypeSessionDeleted, event.SessionDeletedPayload{})); err != nil {
		m.log.WithError(err).Warn("failed to record session_deleted event", zap.String("session_id", id))
	}
	if err := m.store.DeleteSession(id); err != nil {
		return apperror.Wrap(err, "delete session record")
	}
	m.remove(id)
	return nil
}

// UpdateAccessMode updates a session's access mode and, if a per-session
// proxy is running, applies it live without restarting the listener.
func (m *Manager) UpdateAccessMode(ctx context.Context, id string, mode session.AccessMode) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.AccessMode = mode
	sess.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(sess); err != nil {
		return apperror.Wrap(err, "persist access mode")
	}
	m.put(sess)

	m.proxyMu.Lock()
	handle := m.proxies[id]
	m.proxyMu.Unlock()
	if handle != nil {
		handle.srv.UpdateAccessMode(mode)
	}
	return nil
}

// UpdateClaudeStatus applies an agent-hook-reported status change,
// deduplicating no-op updates so the event log only records real
// transitions, per spec.md §4.9.
func (m *Manager) UpdateClaudeStatus(ctx context.Context, id string, status session.ClaudeStatus) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if sess.ClaudeStatus == status {
		return nil
	}
	old := sess.ClaudeStatus
	sess.ClaudeStatus = status
	now := time.Now().UTC()
	sess.ClaudeStatusUpdatedAt = &now
	sess.UpdatedAt = now
	if err := m.store.SaveSession(sess); err != nil {
		return apperror.Wrap(err, "persist claude status")
	}
	if err := m.store.RecordEvent(event.New(id, event.TypeClaudeStatusChanged, event.ClaudeStatusChangedPayload{Old: string(old), New: string(status)})); err != nil {
		m.log.WithError(err).Warn("failed to record claude_status_changed event", zap.String("session_id", id))
	}
	m.put(sess)
	return nil
}

// SendPrompt delivers a follow-up prompt into a running session's sandbox.
// Container-like backends get it piped to stdin of a fresh exec; the
// multiplexer backend gets it pasted as keystrokes, matching how a human
// would type into the attached terminal.
func (m *Manager) SendPrompt(ctx context.Context, id, prompt string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if sess.BackendID == "" {
		return apperror.Conflict("session has no backend sandbox")
	}

	switch sess.Backend {
	case session.BackendMultiplexer:
		return m.sendPromptTmux(ctx, sess.BackendID, prompt)
	default:
		return m.sendPromptExec(ctx, sess, prompt)
	}
}

func (m *Manager) sendPromptTmux(ctx context.Context, tmuxID, prompt string) error {
	if err := run(ctx, "tmux", "send-keys", "-t", tmuxID, "-l", prompt); err != nil {
		return apperror.Internal("send-keys failed", err)
	}
	if err := run(ctx, "tmux", "send-keys", "-t", tmuxID, "Enter"); err != nil {
		return apperror.Internal("send-keys Enter failed", err)
	}
	return nil
}

func (m *Manager) sendPromptExec(ctx context.Context, sess *session.Session, prompt string) error {
	var argv []string
	switch sess.Backend {
	case session.BackendContainer:
		argv = []string{"docker", "exec", "-i", sess.BackendID, "sh", "-c", "cat >> /tmp/clauderon-prompt-pipe 2>/dev/null || cat"}
	case session.BackendAppleContainer:
		argv = []string{"container", "exec", "-i", sess.BackendID, "sh", "-c", "cat >> /tmp/clauderon-prompt-pipe 2>/dev/null || cat"}
	case session.BackendOrchestrator:
		argv = []string{"kubectl", "exec", "-i", sess.BackendID, "--", "sh", "-c", "cat >> /tmp/clauderon-prompt-pipe 2>/dev/null || cat"}
	default:
		return apperror.Unsupported("send_prompt", string(sess.Backend))
	}
	return runWithStdin(ctx, prompt, argv...)
}

// startSessionProxy allocates an ephemeral local port, starts a
// session-scoped proxy.Server bound to it, and records the handle for
// later UpdateAccessMode/teardown calls.
func (m *Manager) startSessionProxy(sessionID string, mode session.AccessMode) (*proxyHandle, int, error) {
	if m.ca == nil || m.creds == nil {
		return nil, 0, nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, apperror.Wrap(err, "allocate proxy port")
	}
	port := ln.Addr().(*net.TCPAddr).Port

	srv := proxy.New(m.ca, m.rules, m.creds, m.audit, sessionID, mode, m.log)
	httpSrv := &http.Server{Handler: srv}
	handle := &proxyHandle{srv: srv, listener: ln, http: httpSrv}

	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.log.WithError(err).Warn("session proxy listener stopped", zap.String("session_id", sessionID))
		}
	}()

	m.proxyMu.Lock()
	m.proxies[sessionID] = handle
	m.proxyMu.Unlock()

	return handle, port, nil
}

func (m *Manager) teardownProxy(sessionID string) {
	m.proxyMu.Lock()
	handle := m.proxies[sessionID]
	delete(m.proxies, sessionID)
	m.proxyMu.Unlock()
	if handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.http.Shutdown(ctx); err != nil {
		m.log.WithError(err).Debug("session proxy shutdown error", zap.String("session_id", sessionID))
	}
}

// sessionProxyPort reports the live local port of a running per-session
// proxy, for the reconciler's TCP health check. Returns 0 if none is running.
func (m *Manager) sessionProxyPort(sessionID string) int {
	m.proxyMu.Lock()
	defer m.proxyMu.Unlock()
	handle, ok := m.proxies[sessionID]
	if !ok {
		return 0
	}
	addr, ok := handle.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

