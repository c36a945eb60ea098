package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/event"
	"github.com/clauderon/clauderon/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db.sqlite"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession() *session.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &session.Session{
		ID:            "sess-1",
		Name:          "fix-login-ab12",
		RepoPath:      "/tmp/repo",
		WorktreePath:  "/tmp/worktrees/fix-login-ab12",
		BranchName:    "fix-login-ab12",
		Backend:       session.BackendContainer,
		Agent:         session.AgentClaudeCode,
		AccessMode:    session.AccessReadWrite,
		InitialPrompt: "fix login",
		Status:        session.StatusCreating,
		ClaudeStatus:  session.ClaudeStatusUnknown,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSaveAndGetSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess := sampleSession()

	require.NoError(t, s.SaveSession(sess))

	got, err := s.GetSession(sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)
	require.Equal(t, sess.Name, got.Name)
	require.Equal(t, sess.Status, got.Status)
	require.Equal(t, sess.CreatedAt, got.CreatedAt)
	require.Len(t, got.Repositories, 1)
	require.True(t, got.Repositories[0].IsPrimary)
	require.Equal(t, "primary", got.Repositories[0].MountName)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession("does-not-exist")
	require.Error(t, err)
}

func TestSaveSessionRepositoriesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess := sampleSession()
	require.NoError(t, s.SaveSession(sess))

	repos := []session.Repository{
		{RepoPath: "/tmp/a", WorktreePath: "/tmp/wt/a", BranchName: "b", MountName: "primary", IsPrimary: true, DisplayOrder: 0},
		{RepoPath: "/tmp/b", WorktreePath: "/tmp/wt/b", BranchName: "b", MountName: "secondary", IsPrimary: false, DisplayOrder: 1},
	}
	require.NoError(t, s.SaveSessionRepositories(sess.ID, repos))

	got, err := s.GetSessionRepositories(sess.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "primary", got[0].MountName)
	require.Equal(t, "secondary", got[1].MountName)
}

func TestRecordAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	sess := sampleSession()
	require.NoError(t, s.SaveSession(sess))

	require.NoError(t, s.RecordEvent(event.New(sess.ID, event.TypeSessionCreated, struct{}{})))
	require.NoError(t, s.RecordEvent(event.New(sess.ID, event.TypeStatusChanged, event.StatusChangedPayload{Old: "creating", New: "running"})))

	events, err := s.GetEvents(sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, event.TypeSessionCreated, events[0].Type)
	require.Equal(t, event.TypeStatusChanged, events[1].Type)
}

func TestRecentReposDeduplicatesAndLazilyCleans(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	require.NoError(t, s.AddRecentRepo(dir, ""))
	require.NoError(t, s.AddRecentRepo(dir+"/.", ""))

	repos, err := s.GetRecentRepos()
	require.NoError(t, err)
	require.Len(t, repos, 1)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.sqlite")

	s1, err := Open(path, 4)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, 4)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}
