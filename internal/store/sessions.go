package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/session"
)

type sessionRow struct {
	ID                    string         `db:"id"`
	Name                  string         `db:"name"`
	Title                 sql.NullString `db:"title"`
	Description           sql.NullString `db:"description"`
	RepoPath              string         `db:"repo_path"`
	Subdirectory          string         `db:"subdirectory"`
	WorktreePath          string         `db:"worktree_path"`
	BranchName            string         `db:"branch_name"`
	Backend               string         `db:"backend"`
	Agent                 string         `db:"agent"`
	BackendID             sql.NullString `db:"backend_id"`
	DangerousSkipChecks   bool           `db:"dangerous_skip_checks"`
	AccessMode            string         `db:"access_mode"`
	ProxyPort             sql.NullInt64  `db:"proxy_port"`
	InitialPrompt         string         `db:"initial_prompt"`
	Status                string         `db:"status"`
	ClaudeStatus          string         `db:"claude_status"`
	ClaudeStatusUpdatedAt sql.NullString `db:"claude_status_updated_at"`
	PRUrl                 sql.NullString `db:"pr_url"`
	PRCheckStatus         sql.NullString `db:"pr_check_status"`
	MergeConflict         bool           `db:"merge_conflict"`
	HistoryFilePath       sql.NullString `db:"history_file_path"`
	ReconcileAttempts     int            `db:"reconcile_attempts"`
	LastReconcileError    sql.NullString `db:"last_reconcile_error"`
	LastReconcileAt       sql.NullString `db:"last_reconcile_at"`
	ErrorMessage          sql.NullString `db:"error_message"`
	CreatedAt             string         `db:"created_at"`
	UpdatedAt             string         `db:"updated_at"`
}

func (r sessionRow) toSession() (*session.Session, error) {
	s := &session.Session{
		ID:                  r.ID,
		Name:                r.Name,
		Title:               r.Title.String,
		Description:         r.Description.String,
		RepoPath:            r.RepoPath,
		Subdirectory:        r.Subdirectory,
		WorktreePath:        r.WorktreePath,
		BranchName:          r.BranchName,
		Backend:             session.Backend(r.Backend),
		Agent:               session.Agent(r.Agent),
		BackendID:           r.BackendID.String,
		DangerousSkipChecks: r.DangerousSkipChecks,
		AccessMode:          session.AccessMode(r.AccessMode),
		InitialPrompt:       r.InitialPrompt,
		Status:              session.Status(r.Status),
		ClaudeStatus:        session.ClaudeStatus(r.ClaudeStatus),
		PRUrl:               r.PRUrl.String,
		PRCheckStatus:       session.CheckStatus(r.PRCheckStatus.String),
		MergeConflict:       r.MergeConflict,
		HistoryFilePath:     r.HistoryFilePath.String,
		ReconcileAttempts:   r.ReconcileAttempts,
		LastReconcileError:  r.LastReconcileError.String,
		ErrorMessage:        r.ErrorMessage.String,
	}
	if r.ProxyPort.Valid {
		s.ProxyPort = int(r.ProxyPort.Int64)
	}
	var err error
	if s.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	if r.ClaudeStatusUpdatedAt.Valid {
		t, err := parseTime(r.ClaudeStatusUpdatedAt.String)
		if err != nil {
			return nil, err
		}
		s.ClaudeStatusUpdatedAt = &t
	}
	if r.LastReconcileAt.Valid {
		t, err := parseTime(r.LastReconcileAt.String)
		if err != nil {
			return nil, err
		}
		s.LastReconcileAt = &t
	}
	return s, nil
}

const sessionColumns = `id, name, title, description, repo_path, subdirectory, worktree_path,
	branch_name, backend, agent, backend_id, dangerous_skip_checks, access_mode,
	proxy_port, initial_prompt, status, claude_status, claude_status_updated_at,
	pr_url, pr_check_status, merge_conflict, history_file_path, reconcile_attempts,
	last_reconcile_error, last_reconcile_at, error_message, created_at, updated_at`

// ListSessions returns all non-deleted sessions with their repository lists
// hydrated (reconstructing a single-element primary-repo record for sessions
// with no junction rows, for backward compatibility).
func (s *Store) ListSessions() ([]*session.Session, error) {
	var rows []sessionRow
	if err := s.reader.Select(&rows, fmt.Sprintf(`SELECT %s FROM sessions ORDER BY created_at ASC`, sessionColumns)); err != nil {
		return nil, apperror.Internal("list sessions", err)
	}
	sessions := make([]*session.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.toSession()
		if err != nil {
			return nil, apperror.Internal("decode session row", err)
		}
		repos, err := s.GetSessionRepositories(sess.ID)
		if err != nil {
			return nil, err
		}
		sess.Repositories = repos
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// GetSession returns a single session by id, hydrated with its repository list.
func (s *Store) GetSession(id string) (*session.Session, error) {
	var row sessionRow
	err := s.reader.Get(&row, fmt.Sprintf(`SELECT %s FROM sessions WHERE id = ?`, sessionColumns), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("session", id)
	}
	if err != nil {
		return nil, apperror.Internal("get session", err)
	}
	sess, err := row.toSession()
	if err != nil {
		return nil, apperror.Internal("decode session row", err)
	}
	repos, err := s.GetSessionRepositories(id)
	if err != nil {
		return nil, err
	}
	sess.Repositories = repos
	return sess, nil
}

// SaveSession upserts a session (insert or full replace of mutable columns).
func (s *Store) SaveSession(sess *session.Session) error {
	_, err := s.writer.NamedExec(`
		INSERT INTO sessions (
			id, name, title, description, repo_path, subdirectory, worktree_path,
			branch_name, backend, agent, backend_id, dangerous_skip_checks, access_mode,
			proxy_port, initial_prompt, status, claude_status, claude_status_updated_at,
			pr_url, pr_check_status, merge_conflict, history_file_path, reconcile_attempts,
			last_reconcile_error, last_reconcile_at, error_message, created_at, updated_at
		) VALUES (
			:id, :name, :title, :description, :repo_path, :subdirectory, :worktree_path,
			:branch_name, :backend, :agent, :backend_id, :dangerous_skip_checks, :access_mode,
			:proxy_port, :initial_prompt, :status, :claude_status, :claude_status_updated_at,
			:pr_url, :pr_check_status, :merge_conflict, :history_file_path, :reconcile_attempts,
			:last_reconcile_error, :last_reconcile_at, :error_message, :created_at, :updated_at
		)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, title = excluded.title, description = excluded.description,
			repo_path = excluded.repo_path, subdirectory = excluded.subdirectory,
			worktree_path = excluded.worktree_path, branch_name = excluded.branch_name,
			backend = excluded.backend, agent = excluded.agent, backend_id = excluded.backend_id,
			dangerous_skip_checks = excluded.dangerous_skip_checks, access_mode = excluded.access_mode,
			proxy_port = excluded.proxy_port, initial_prompt = excluded.initial_prompt,
			status = excluded.status, claude_status = excluded.claude_status,
			claude_status_updated_at = excluded.claude_status_updated_at, pr_url = excluded.pr_url,
			pr_check_status = excluded.pr_check_status, merge_conflict = excluded.merge_conflict,
			history_file_path = excluded.history_file_path, reconcile_attempts = excluded.reconcile_attempts,
			last_reconcile_error = excluded.last_reconcile_error, last_reconcile_at = excluded.last_reconcile_at,
			error_message = excluded.error_message, updated_at = excluded.updated_at
	`, toSessionParams(sess))
	if err != nil {
		return apperror.Internal("save session", err)
	}
	return nil
}

// DeleteSession hard-deletes a session: its junction rows, its events and
// the session row are removed in one transaction, which ends the event
// log's lifetime for that session.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.writer.Beginx()
	if err != nil {
		return apperror.Internal("delete session", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM session_repositories WHERE session_id = ?`, id); err != nil {
		return apperror.Internal("delete session repositories", err)
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE session_id = ?`, id); err != nil {
		return apperror.Internal("delete session events", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return apperror.Internal("delete session", err)
	}
	if err := tx.Commit(); err != nil {
		return apperror.Internal("delete session", err)
	}
	return nil
}

type sessionParams struct {
	ID                    string         `db:"id"`
	Name                  string         `db:"name"`
	Title                 sql.NullString `db:"title"`
	Description           sql.NullString `db:"description"`
	RepoPath              string         `db:"repo_path"`
	Subdirectory          string         `db:"subdirectory"`
	WorktreePath          string         `db:"worktree_path"`
	BranchName            string         `db:"branch_name"`
	Backend               string         `db:"backend"`
	Agent                 string         `db:"agent"`
	BackendID             sql.NullString `db:"backend_id"`
	DangerousSkipChecks   bool           `db:"dangerous_skip_checks"`
	AccessMode            string         `db:"access_mode"`
	ProxyPort             sql.NullInt64  `db:"proxy_port"`
	InitialPrompt         string         `db:"initial_prompt"`
	Status                string         `db:"status"`
	ClaudeStatus          string         `db:"claude_status"`
	ClaudeStatusUpdatedAt sql.NullString `db:"claude_status_updated_at"`
	PRUrl                 sql.NullString `db:"pr_url"`
	PRCheckStatus         sql.NullString `db:"pr_check_status"`
	MergeConflict         bool           `db:"merge_conflict"`
	HistoryFilePath       sql.NullString `db:"history_file_path"`
	ReconcileAttempts     int            `db:"reconcile_attempts"`
	LastReconcileError    sql.NullString `db:"last_reconcile_error"`
	LastReconcileAt       sql.NullString `db:"last_reconcile_at"`
	ErrorMessage          sql.NullString `db:"error_message"`
	CreatedAt             string         `db:"created_at"`
	UpdatedAt             string         `db:"updated_at"`
}

func toSessionParams(sess *session.Session) sessionParams {
	p := sessionParams{
		ID:                  sess.ID,
		Name:                sess.Name,
		Title:               nullableString(sess.Title),
		Description:         nullableString(sess.Description),
		RepoPath:            sess.RepoPath,
		Subdirectory:        sess.Subdirectory,
		WorktreePath:        sess.WorktreePath,
		BranchName:          sess.BranchName,
		Backend:             string(sess.Backend),
		Agent:               string(sess.Agent),
		BackendID:           nullableString(sess.BackendID),
		DangerousSkipChecks: sess.DangerousSkipChecks,
		AccessMode:          string(sess.AccessMode),
		InitialPrompt:       sess.InitialPrompt,
		Status:              string(sess.Status),
		ClaudeStatus:        string(sess.ClaudeStatus),
		PRUrl:               nullableString(sess.PRUrl),
		PRCheckStatus:       nullableString(string(sess.PRCheckStatus)),
		MergeConflict:       sess.MergeConflict,
		HistoryFilePath:     nullableString(sess.HistoryFilePath),
		ReconcileAttempts:   sess.ReconcileAttempts,
		LastReconcileError:  nullableString(sess.LastReconcileError),
		ErrorMessage:        nullableString(sess.ErrorMessage),
		CreatedAt:           sess.CreatedAt.Format(timeLayout),
		UpdatedAt:           sess.UpdatedAt.Format(timeLayout),
	}
	if sess.ProxyPort > 0 {
		p.ProxyPort = sql.NullInt64{Int64: int64(sess.ProxyPort), Valid: true}
	}
	if sess.ClaudeStatusUpdatedAt != nil {
		p.ClaudeStatusUpdatedAt = sql.NullString{String: sess.ClaudeStatusUpdatedAt.Format(timeLayout), Valid: true}
	}
	if sess.LastReconcileAt != nil {
		p.LastReconcileAt = sql.NullString{String: sess.LastReconcileAt.Format(timeLayout), Valid: true}
	}
	return p
}

func nullableString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
