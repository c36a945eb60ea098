package manager

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/session"
)

func TestReconcileHealthySessionIsLeftAlone(t *testing.T) {
	fb := newFakeBackend()
	m, _, repo := newTestManager(t, fb)

	result, err := m.CreateSession(context.Background(), CreateRequest{
		RepoPath: repo, Prompt: "x", Backend: session.BackendContainer, Agent: session.AgentClaudeCode,
	})
	require.NoError(t, err)

	report := m.Reconcile(context.Background())
	require.Empty(t, report.MissingBackends)
	require.Empty(t, report.MissingWorktrees)
	require.Empty(t, report.Recreated)

	sess, err := m.Get(result.Session.ID)
	require.NoError(t, err)
	require.Zero(t, sess.ReconcileAttempts)
}

func TestReconcileRecreatesMissingWorktree(t *testing.T) {
	fb := newFakeBackend()
	m, _, repo := newTestManager(t, fb)

	result, err := m.CreateSession(context.Background(), CreateRequest{
		RepoPath: repo, Prompt: "x", Backend: session.BackendContainer, Agent: session.AgentClaudeCode,
	})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(result.Session.WorktreePath))

	report := m.Reconcile(context.Background())
	require.Contains(t, report.MissingWorktrees, result.Session.ID)
	require.Contains(t, report.Recreated, result.Session.ID)
	require.DirExists(t, result.Session.WorktreePath)
}

func TestReconcileRecreatesMissingBackend(t *testing.T) {
	fb := newFakeBackend()
	m, _, repo := newTestManager(t, fb)

	result, err := m.CreateSession(context.Background(), CreateRequest{
		RepoPath: repo, Prompt: "x", Backend: session.BackendContainer, Agent: session.AgentClaudeCode,
	})
	require.NoError(t, err)

	oldBackendID := result.Session.BackendID
	require.NoError(t, fb.Delete(context.Background(), oldBackendID))

	report := m.Reconcile(context.Background())
	require.Contains(t, report.MissingBackends, result.Session.ID)
	require.Contains(t, report.Recreated, result.Session.ID)

	sess, err := m.Get(result.Session.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldBackendID, sess.BackendID)
	require.True(t, fb.Exists(context.Background(), sess.BackendID))
}

func TestReconcileGivesUpAfterExhaustingRetryBudget(t *testing.T) {
	fb := newFakeBackend()
	m, _, repo := newTestManager(t, fb)

	result, err := m.CreateSession(context.Background(), CreateRequest{
		RepoPath: repo, Prompt: "x", Backend: session.BackendContainer, Agent: session.AgentClaudeCode,
	})
	require.NoError(t, err)

	fb.failCreate = true
	require.NoError(t, fb.Delete(context.Background(), result.Session.BackendID))

	// Force through every retry attempt by bypassing the backoff wait.
	for i := 0; i < session.MaxReconcileAttempts; i++ {
		sess, err := m.Get(result.Session.ID)
		require.NoError(t, err)
		sess.LastReconcileAt = nil
		require.NoError(t, m.store.SaveSession(sess))
		m.put(sess)

		report := m.Reconcile(context.Background())
		if i == session.MaxReconcileAttempts-1 {
			require.Contains(t, report.GaveUp, result.Session.ID)
		}
	}

	sess, err := m.Get(result.Session.ID)
	require.NoError(t, err)
	require.Equal(t, session.MaxReconcileAttempts, sess.ReconcileAttempts)
}

func TestFindOrphansReportsUnknownBackendResources(t *testing.T) {
	fb := newFakeBackend()
	m, _, _ := newTestManager(t, fb)

	_, err := fb.Create(context.Background(), "orphan", "", "", backend.CreateOptions{})
	require.NoError(t, err)

	report := m.Reconcile(context.Background())
	require.Contains(t, report.OrphanedBackends, "fake-orphan")
}
