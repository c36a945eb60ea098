// Package session defines the Session aggregate: the atomic unit of work
// binding an agent, its prompt, a worktree, a sandbox, and its proxy.
package session

import "time"

// Backend identifies the execution-backend substrate a session runs on.
type Backend string

const (
	BackendMultiplexer       Backend = "multiplexer"
	BackendContainer         Backend = "container"
	BackendOrchestrator      Backend = "orchestrator"
	BackendAppleContainer    Backend = "apple_container"
)

// Agent identifies the coding agent a session launches.
type Agent string

const (
	AgentClaudeCode Agent = "claude_code"
	AgentCodex      Agent = "codex"
	AgentGemini     Agent = "gemini"
)

// AccessMode governs the per-session proxy's write filtering.
type AccessMode string

const (
	AccessReadOnly  AccessMode = "read_only"
	AccessReadWrite AccessMode = "read_write"
)

// Status is the session's coarse lifecycle state.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusDeleting  Status = "deleting"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"
)

// ClaudeStatus is the fine-grained agent-hook-reported working state.
type ClaudeStatus string

const (
	ClaudeStatusUnknown         ClaudeStatus = "unknown"
	ClaudeStatusWorking         ClaudeStatus = "working"
	ClaudeStatusWaitingApproval ClaudeStatus = "waiting_approval"
	ClaudeStatusWaitingInput    ClaudeStatus = "waiting_input"
	ClaudeStatusIdle            ClaudeStatus = "idle"
)

// CheckStatus tracks the asynchronously-polled PR check state.
type CheckStatus string

const (
	CheckPending   CheckStatus = "pending"
	CheckPassing   CheckStatus = "passing"
	CheckFailing   CheckStatus = "failing"
	CheckMergeable CheckStatus = "mergeable"
	CheckMerged    CheckStatus = "merged"
)

// Repository is one entry of a (possibly multi-repo) session's repository list.
type Repository struct {
	RepoPath     string `db:"repo_path" json:"repo_path"`
	Subdirectory string `db:"subdirectory" json:"subdirectory"`
	WorktreePath string `db:"worktree_path" json:"worktree_path"`
	BranchName   string `db:"branch_name" json:"branch_name"`
	MountName    string `db:"mount_name" json:"mount_name"`
	IsPrimary    bool   `db:"is_primary" json:"is_primary"`
	DisplayOrder int    `db:"display_order" json:"display_order"`
}

// Progress is a transient (never persisted) long-running-transition indicator.
type Progress struct {
	Step    int    `json:"step"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// Session is the central entity: an agent process bound to a worktree inside
// a sandbox, routed through a credential proxy.
type Session struct {
	ID          string `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Title       string `db:"title" json:"title,omitempty"`
	Description string `db:"description" json:"description,omitempty"`

	RepoPath     string       `db:"repo_path" json:"repo_path"`
	Subdirectory string       `db:"subdirectory" json:"subdirectory"`
	WorktreePath string       `db:"worktree_path" json:"worktree_path"`
	BranchName   string       `db:"branch_name" json:"branch_name"`
	Repositories []Repository `db:"-" json:"repositories,omitempty"`

	Backend             Backend    `db:"backend" json:"backend"`
	Agent               Agent      `db:"agent" json:"agent"`
	Model               string     `db:"model" json:"model,omitempty"`
	BackendID           string     `db:"backend_id" json:"backend_id,omitempty"`
	DangerousSkipChecks bool       `db:"dangerous_skip_checks" json:"dangerous_skip_checks"`
	AccessMode          AccessMode `db:"access_mode" json:"access_mode"`
	ProxyPort           int        `db:"proxy_port" json:"proxy_port,omitempty"`

	InitialPrompt string   `db:"initial_prompt" json:"initial_prompt"`
	Images        []string `db:"-" json:"images,omitempty"`

	Status                Status      `db:"status" json:"status"`
	ClaudeStatus           ClaudeStatus `db:"claude_status" json:"claude_status"`
	ClaudeStatusUpdatedAt  *time.Time  `db:"claude_status_updated_at" json:"claude_status_updated_at,omitempty"`
	PRUrl                  string      `db:"pr_url" json:"pr_url,omitempty"`
	PRCheckStatus          CheckStatus `db:"pr_check_status" json:"pr_check_status,omitempty"`
	MergeConflict          bool        `db:"merge_conflict" json:"merge_conflict"`
	WorktreeDirty          bool        `db:"worktree_dirty" json:"worktree_dirty"`
	HistoryFilePath        string      `db:"history_file_path" json:"history_file_path,omitempty"`

	ReconcileAttempts  int        `db:"reconcile_attempts" json:"reconcile_attempts"`
	LastReconcileError string     `db:"last_reconcile_error" json:"last_reconcile_error,omitempty"`
	LastReconcileAt    *time.Time `db:"last_reconcile_at" json:"last_reconcile_at,omitempty"`
	ErrorMessage       string     `db:"error_message" json:"error_message,omitempty"`

	Progress *Progress `db:"-" json:"progress,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// MaxReconcileAttempts is the bounded-retry budget from spec.md §3/§4.8.
const MaxReconcileAttempts = 3

// ReconcileBackoff returns the wait interval before retrying the nth failed
// attempt (1-indexed), following the 30s/120s/300s geometric schedule.
func ReconcileBackoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 30 * time.Second
	case 2:
		return 120 * time.Second
	default:
		return 300 * time.Second
	}
}

// EffectiveRepositories returns Repositories, reconstructing a single-element
// primary-repo list from the legacy top-level fields when empty — the
// backward-compatibility behavior required by spec.md §4.1.
func (s *Session) EffectiveRepositories() []Repository {
	if len(s.Repositories) > 0 {
		return s.Repositories
	}
	return []Repository{{
		RepoPath:     s.RepoPath,
		Subdirectory: s.Subdirectory,
		WorktreePath: s.WorktreePath,
		BranchName:   s.BranchName,
		MountName:    "primary",
		IsPrimary:    true,
		DisplayOrder: 0,
	}}
}

// RequiresBackendID reports whether the given status implies BackendID must
// be present (spec.md §3 invariant).
func RequiresBackendID(status Status) bool {
	return status != StatusCreating && status != StatusArchived && status != StatusFailed
}
