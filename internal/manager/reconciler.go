package manager

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/session"
)

// reconcileConcurrency bounds how many sessions are classified and
// recreated at once, so a sweep over hundreds of sessions doesn't open
// hundreds of simultaneous backend/worktree calls.
const reconcileConcurrency = 8

// backendCreateOptionsFor rebuilds the CreateOptions a recreated sandbox
// needs from the session record alone, mirroring the fields CreateSession
// originally populated.
func backendCreateOptionsFor(sess *session.Session, proxyPort int) backend.CreateOptions {
	return backend.CreateOptions{
		Agent:               sess.Agent,
		Model:               sess.Model,
		SessionProxyPort:    proxyPort,
		DangerousSkipChecks: sess.DangerousSkipChecks,
		SessionID:           sess.ID,
		InitialWorkdir:      sess.WorktreePath,
		PullPolicy:          backend.PullIfNotPresent,
	}
}

// Classification is a session's observed-vs-declared health, per spec.md §3.
type Classification string

const (
	ClassHealthy         Classification = "healthy"
	ClassBackendMissing  Classification = "backend_missing"
	ClassWorktreeMissing Classification = "worktree_missing"
	ClassOrphan          Classification = "orphan" // backend resource exists with no owning session
	ClassZombie          Classification = "zombie"  // proxy unreachable despite a Running, backend-present session
)

// Report is the reconciler's structured run summary.
type Report struct {
	MissingWorktrees  []string
	MissingBackends   []string
	OrphanedBackends  []string
	Recreated         []string
	RecreationFailed  []string
	GaveUp            []string
}

// Reconcile compares every live (non-Creating, non-Deleting, non-Archived)
// session's declared state against what actually exists on its worktree and
// backend substrate, classifies drift, and attempts bounded-retry recovery
// before giving up per session.ReconcileBackoff/session.MaxReconcileAttempts.
func (m *Manager) Reconcile(ctx context.Context) Report {
	var (
		report Report
		mu     sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)

	for _, sess := range m.List() {
		sess := sess
		if sess.Status == session.StatusCreating || sess.Status == session.StatusDeleting || sess.Status == session.StatusArchived {
			continue
		}

		g.Go(func() error {
			m.reconcileOne(gctx, sess, &report, &mu)
			return nil
		})
	}

	// errgroup's g.Go can only return an error from the worker itself;
	// reconcileOne never returns one, so Wait only ever blocks for
	// completion here.
	_ = g.Wait()

	report.OrphanedBackends = m.findOrphans(ctx)
	return report
}

// reconcileOne classifies and, if due, attempts recovery for a single
// session, appending its outcome to the shared report under mu. Split out
// of Reconcile so the per-session work can run under errgroup's bounded
// concurrency.
func (m *Manager) reconcileOne(ctx context.Context, sess *session.Session, report *Report, mu *sync.Mutex) {
	class := m.classify(ctx, sess)
	if class == ClassHealthy {
		m.resetReconcileState(sess)
		return
	}

	mu.Lock()
	switch class {
	case ClassWorktreeMissing:
		report.MissingWorktrees = append(report.MissingWorktrees, sess.ID)
	case ClassBackendMissing, ClassZombie:
		report.MissingBackends = append(report.MissingBackends, sess.ID)
	}
	mu.Unlock()

	if !m.dueForRetry(sess) {
		return
	}

	if err := m.attemptRecreate(ctx, sess, class); err != nil {
		m.recordReconcileFailure(sess, err)
		mu.Lock()
		if sess.ReconcileAttempts >= session.MaxReconcileAttempts {
			report.GaveUp = append(report.GaveUp, sess.ID)
		} else {
			report.RecreationFailed = append(report.RecreationFailed, sess.ID)
		}
		mu.Unlock()
		return
	}

	mu.Lock()
	report.Recreated = append(report.Recreated, sess.ID)
	mu.Unlock()
	m.resetReconcileState(sess)
}

// classify determines one session's health without mutating anything.
func (m *Manager) classify(ctx context.Context, sess *session.Session) Classification {
	if sess.WorktreePath != "" {
		if _, err := os.Stat(sess.WorktreePath); os.IsNotExist(err) {
			return ClassWorktreeMissing
		}
	}

	if session.RequiresBackendID(sess.Status) {
		impl, err := m.backendFor(sess.Backend)
		if err != nil {
			return ClassBackendMissing
		}
		if sess.BackendID == "" || !impl.Exists(ctx, sess.BackendID) {
			return ClassBackendMissing
		}
	}

	if sess.Status == session.StatusRunning && sess.Backend == session.BackendContainer {
		if port := m.sessionProxyPort(sess.ID); port != 0 && !proxyReachable(port) {
			return ClassZombie
		}
	}

	return ClassHealthy
}

func proxyReachable(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// dueForRetry reports whether enough backoff has elapsed since the last
// failed attempt (or whether there has been no attempt yet), and whether
// the session hasn't already exhausted its retry budget.
func (m *Manager) dueForRetry(sess *session.Session) bool {
	if sess.ReconcileAttempts >= session.MaxReconcileAttempts {
		return false
	}
	if sess.LastReconcileAt == nil {
		return true
	}
	backoff := session.ReconcileBackoff(sess.ReconcileAttempts)
	return time.Since(*sess.LastReconcileAt) >= backoff
}

// attemptRecreate restores a session to a healthy state: a missing worktree
// is recreated in place (same branch, same path); a missing or unreachable
// backend sandbox is recreated via the same launch path CreateSession uses,
// then the session's backend_id is updated.
func (m *Manager) attemptRecreate(ctx context.Context, sess *session.Session, class Classification) error {
	if class == ClassWorktreeMissing {
		// The session's branch and git's registration of the removed
		// worktree both outlive the directory: prune the stale registration,
		// then check the existing branch out again at the same path.
		_ = run(ctx, "git", "-C", sess.RepoPath, "worktree", "prune")
		if err := run(ctx, "git", "-C", sess.RepoPath, "worktree", "add", sess.WorktreePath, sess.BranchName); err != nil {
			return err
		}
	}

	if class == ClassBackendMissing || class == ClassZombie {
		impl, err := m.backendFor(sess.Backend)
		if err != nil {
			return err
		}
		if sess.BackendID != "" {
			_ = impl.Delete(ctx, sess.BackendID)
		}
		proxyPort := m.sessionProxyPort(sess.ID)
		backendID, err := impl.Create(ctx, sess.Name, sess.WorktreePath, sess.InitialPrompt, backendCreateOptionsFor(sess, proxyPort))
		if err != nil {
			return err
		}
		sess.BackendID = backendID
	}

	sess.Status = session.StatusRunning
	sess.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(sess); err != nil {
		return err
	}
	m.put(sess)
	return nil
}

func (m *Manager) recordReconcileFailure(sess *session.Session, err error) {
	sess.ReconcileAttempts++
	now := time.Now().UTC()
	sess.LastReconcileAt = &now
	sess.LastReconcileError = err.Error()
	if serr := m.store.SaveSession(sess); serr != nil {
		m.log.WithError(serr).Warn("failed to persist reconcile failure state", zap.String("session_id", sess.ID))
	}
	m.put(sess)
}

func (m *Manager) resetReconcileState(sess *session.Session) {
	if sess.ReconcileAttempts == 0 && sess.LastReconcileError == "" {
		return
	}
	sess.ReconcileAttempts = 0
	sess.LastReconcileAt = nil
	sess.LastReconcileError = ""
	if err := m.store.SaveSession(sess); err != nil {
		m.log.WithError(err).Warn("failed to persist reconcile reset", zap.String("session_id", sess.ID))
	}
	m.put(sess)
}

// findOrphans lists backend-substrate resources tagged as clauderon-managed
// with no corresponding in-memory session: created by a prior daemon
// instance that crashed between backend creation and the session record
// becoming durable, or left behind by a session whose delete never reached
// this substrate.
func (m *Manager) findOrphans(ctx context.Context) []string {
	known := make(map[string]struct{})
	for _, sess := range m.List() {
		if sess.BackendID != "" {
			known[sess.BackendID] = struct{}{}
		}
	}

	var orphans []string
	for _, impl := range m.backends {
		lister, ok := impl.(interface {
			ListManaged(ctx context.Context) ([]string, error)
		})
		if !ok {
			continue
		}
		ids, err := lister.ListManaged(ctx)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if _, ok := known[id]; !ok {
				orphans = append(orphans, id)
			}
		}
	}
	return orphans
}
