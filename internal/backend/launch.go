package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/clauderon/clauderon/internal/session"
)

// WorkspaceMount is the absolute in-sandbox path the session's working
// directory is mounted at, per spec.md §4.7 point 3.
const WorkspaceMount = "/workspace"

// Mount describes one mount a container-like backend must honor. Volume
// marks Source as a named volume identifier rather than a host bind path.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
	Volume   bool
}

// WorkdirFor returns the in-sandbox working directory: WorkspaceMount, or
// WorkspaceMount/<sub> when a subdirectory was configured.
func WorkdirFor(opts CreateOptions) string {
	if opts.InitialWorkdir == "" {
		return WorkspaceMount
	}
	return path.Join(WorkspaceMount, opts.InitialWorkdir)
}

// EffectivePullPolicy defaults an empty policy to if-not-present.
func EffectivePullPolicy(p PullPolicy) PullPolicy {
	if p == "" {
		return PullIfNotPresent
	}
	return p
}

// BaseEnv builds the environment every sandbox gets regardless of proxy or
// cache configuration: point 4.
func BaseEnv(opts CreateOptions) []string {
	env := []string{"TERM=xterm-256color", "HOME=" + WorkspaceMount}
	if opts.Agent == session.AgentCodex {
		env = append(env, "CODEX_HOME="+WorkspaceMount+"/.codex")
	}
	return env
}

// Named Docker volumes backing the three shared build caches, point 5. These
// are shared across every session's sandbox rather than per-session, so
// a cargo/sccache warm cache survives session recreation.
const (
	CargoRegistryVolume = "clauderon-cargo-registry"
	CargoGitVolume      = "clauderon-cargo-git"
	SccacheVolume       = "clauderon-sccache"
)

// CacheVolumeNames lists the named volumes CacheMounts references, so a
// backend can ensure each exists before starting a container.
func CacheVolumeNames() []string {
	return []string{CargoRegistryVolume, CargoGitVolume, SccacheVolume}
}

// CacheMounts returns the three shared build-cache mounts, point 5, backed
// by named volumes rather than host bind paths.
func CacheMounts() []Mount {
	return []Mount{
		{Source: CargoRegistryVolume, Target: WorkspaceMount + "/.cargo/registry", Volume: true},
		{Source: CargoGitVolume, Target: WorkspaceMount + "/.cargo/git", Volume: true},
		{Source: SccacheVolume, Target: WorkspaceMount + "/.cache/sccache", Volume: true},
	}
}

// CacheEnv is the environment accompanying CacheMounts.
func CacheEnv() []string {
	return []string{
		"CARGO_HOME=" + WorkspaceMount + "/.cargo",
		"RUSTC_WRAPPER=sccache",
		"SCCACHE_DIR=" + WorkspaceMount + "/.cache/sccache",
	}
}

// chownMarker is the idempotency marker for CacheChownScript: once present,
// the sandbox has already fixed cache ownership and the chown is skipped.
const chownMarker = WorkspaceMount + "/.cache/.clauderon-chown-done"

// CacheChownScript is a shell snippet that fixes root-owned shared-cache
// directories to the invoking non-root uid/gid once per workspace: a single
// marker file under the mounted workspace gates the chown of all three caches.
func CacheChownScript() string {
	return fmt.Sprintf(
		`if [ ! -f %s ]; then chown -R "$(id -u):$(id -g)" %s/.cargo %s/.cache 2>/dev/null || true; mkdir -p %s && touch %s; fi`,
		chownMarker, WorkspaceMount, WorkspaceMount, filepath.Dir(chownMarker), chownMarker,
	)
}

// ConfigMounts mounts the per-host config directory and its uploads
// subdirectory, point 6.
func ConfigMounts(hostConfigDir string) []Mount {
	return []Mount{
		{Source: hostConfigDir, Target: WorkspaceMount + "/.clauderon"},
		{Source: filepath.Join(hostConfigDir, "uploads"), Target: WorkspaceMount + "/.clauderon/uploads"},
	}
}

// WorktreeParentGitMount mounts a worktree's parent .git directory at the
// same absolute path inside the sandbox, point 7.
func WorktreeParentGitMount(parentGitDir string) Mount {
	return Mount{Source: parentGitDir, Target: parentGitDir}
}

// proxyCAMountPath is where the CA is mounted read-only inside the sandbox.
const proxyCAMountPath = "/etc/clauderon/proxy-ca.pem"

// ProxyCAMount mounts the proxy CA read-only at its well-known in-sandbox path.
func ProxyCAMount(hostCAPath string) Mount {
	return Mount{Source: hostCAPath, Target: proxyCAMountPath, ReadOnly: true}
}

// CodexAuthMount mounts the Codex auth directory read-only, when present.
func CodexAuthMount(hostCodexAuthDir string) Mount {
	return Mount{Source: hostCodexAuthDir, Target: "/etc/clauderon/codex", ReadOnly: true}
}

// TalosConfigMount mounts the Talos config directory, when configured.
func TalosConfigMount(hostTalosDir string) Mount {
	return Mount{Source: hostTalosDir, Target: "/etc/clauderon/talos", ReadOnly: true}
}

// placeholderToken builds a deterministic, obviously-fake credential value
// for the sandbox's agent-specific env var, scoped to the session so a leak
// is traceable without being a usable secret.
func placeholderToken(prefix, sessionID string) string {
	return fmt.Sprintf("%s-%s-placeholder", prefix, sessionID)
}

// ProxyEnv builds the HTTP_PROXY/HTTPS_PROXY/NO_PROXY, per-agent placeholder
// credential, and CA-bundle environment a session proxy requires, point 8.
// Returns nil when no session proxy port was requested.
func ProxyEnv(opts CreateOptions, gatewayHost string) []string {
	if opts.SessionProxyPort == 0 {
		return nil
	}
	proxyURL := fmt.Sprintf("http://%s:%d", gatewayHost, opts.SessionProxyPort)

	env := []string{
		"HTTP_PROXY=" + proxyURL,
		"HTTPS_PROXY=" + proxyURL,
		"NO_PROXY=localhost,127.0.0.1",
		"GH_TOKEN=" + placeholderToken("ghp", opts.SessionID),
		"GITHUB_TOKEN=" + placeholderToken("ghp", opts.SessionID),
	}

	switch opts.Agent {
	case session.AgentClaudeCode:
		env = append(env, "CLAUDE_CODE_OAUTH_TOKEN=sk-ant-oat01-"+opts.SessionID+"-placeholder")
	case session.AgentCodex:
		env = append(env,
			"OPENAI_API_KEY="+placeholderToken("sk", opts.SessionID),
			"CODEX_API_KEY="+placeholderToken("sk", opts.SessionID),
		)
	case session.AgentGemini:
		env = append(env, "GEMINI_API_KEY="+placeholderToken("gm", opts.SessionID))
	}

	env = append(env,
		"SSL_CERT_FILE="+proxyCAMountPath,
		"NODE_EXTRA_CA_CERTS="+proxyCAMountPath,
		"REQUESTS_CA_BUNDLE="+proxyCAMountPath,
	)
	return env
}

// GitIdentity is the sanitized host git user.name/user.email pair exported
// into the sandbox so commits made inside it attribute correctly.
type GitIdentity struct {
	Name  string
	Email string
}

// SanitizeGitIdentityField strips control characters other than tab, per
// point 9.
func SanitizeGitIdentityField(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ReadGitIdentity reads the host's git user.name/user.email for workdir by
// running git on the daemon host. The Docker, Apple-container and
// multiplexer backends export the result; the orchestrator backend does not
// call it, so its pods carry no host git identity.
func ReadGitIdentity(ctx context.Context, workdir string) GitIdentity {
	return GitIdentity{
		Name:  runGitConfig(ctx, workdir, "user.name"),
		Email: runGitConfig(ctx, workdir, "user.email"),
	}
}

func runGitConfig(ctx context.Context, workdir, key string) string {
	cmd := exec.CommandContext(ctx, "git", "-C", workdir, "config", "--get", key)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(out), "\r\n")
}

// GitIdentityEnv exports the sanitized identity as GIT_AUTHOR_*/GIT_COMMITTER_*.
func GitIdentityEnv(id GitIdentity) []string {
	name := SanitizeGitIdentityField(id.Name)
	email := SanitizeGitIdentityField(id.Email)
	return []string{
		"GIT_AUTHOR_NAME=" + name,
		"GIT_AUTHOR_EMAIL=" + email,
		"GIT_COMMITTER_NAME=" + name,
		"GIT_COMMITTER_EMAIL=" + email,
	}
}

// HookEnv exports the session-id/http-port pair in-sandbox hooks use to
// report status back to the daemon, point 11. Nil when either is unset.
func HookEnv(opts CreateOptions) []string {
	if opts.SessionID == "" || opts.HTTPPort == 0 {
		return nil
	}
	return []string{
		"CLAUDERON_SESSION_ID=" + opts.SessionID,
		fmt.Sprintf("CLAUDERON_HTTP_PORT=%d", opts.HTTPPort),
	}
}

// claudeJSON is the ClaudeCode onboarding marker materialized in the config
// directory and mounted read/write at /workspace/.claude.json, point 10.
type claudeJSON struct {
	HasCompletedOnboarding        bool `json:"hasCompletedOnboarding"`
	BypassPermissionsModeAccepted bool `json:"bypassPermissionsModeAccepted,omitempty"`
}

// BuildClaudeJSON renders the pretty-printed claude.json contents.
func BuildClaudeJSON(dangerousSkipChecks bool) ([]byte, error) {
	cfg := claudeJSON{HasCompletedOnboarding: true}
	if dangerousSkipChecks {
		cfg.BypassPermissionsModeAccepted = true
	}
	return json.MarshalIndent(cfg, "", "  ")
}

type managedSettingsJSON struct {
	Permissions struct {
		DefaultMode string `json:"defaultMode"`
	} `json:"permissions"`
}

// BuildManagedSettingsJSON renders managed-settings.json, mounted read-only
// at /etc/claude-code/managed-settings.json when a proxy is active.
func BuildManagedSettingsJSON() ([]byte, error) {
	var s managedSettingsJSON
	s.Permissions.DefaultMode = "bypassPermissions"
	return json.MarshalIndent(s, "", "  ")
}

// NeedsQuoting reports whether s must be single-quoted for safe shell
// embedding: it is empty, or contains whitespace, a quote, a newline, &, or |.
func NeedsQuoting(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsAny(s, " \t\n'\"&|")
}

// QuoteShellArg single-quotes s when needed, escaping embedded single quotes
// with the standard '\'' idiom.
func QuoteShellArg(s string) string {
	if !NeedsQuoting(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// JoinQuoted quotes and joins argv into one shell command line.
func JoinQuoted(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = QuoteShellArg(a)
	}
	return strings.Join(parts, " ")
}

// TranslateImagePath rewrites a host image-attachment path into its
// in-sandbox equivalent: under the mounted workdir when it falls inside it,
// otherwise under the uploads mount by basename.
func TranslateImagePath(hostPath, hostWorkdir string) string {
	if hostWorkdir != "" {
		if rel, err := filepath.Rel(hostWorkdir, hostPath); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return path.Join(WorkspaceMount, filepath.ToSlash(rel))
		}
	}
	return path.Join(WorkspaceMount, ".clauderon", "uploads", filepath.Base(hostPath))
}

// Per-agent on-disk session-history locations used to decide create-vs-resume
// in the shell wrapper. Encoded as constants rather than derived, since the
// agents' own history layouts are not otherwise observable from here.
func claudeHistoryPath(sessionID string) string {
	return fmt.Sprintf("%s/.claude/sessions/%s.jsonl", WorkspaceMount, sessionID)
}

func geminiHistoryPath(sessionID string) string {
	return fmt.Sprintf("%s/.gemini/sessions/%s.json", WorkspaceMount, sessionID)
}

// codexSessionsDir is checked for non-emptiness to decide resume-vs-create.
const codexSessionsDir = WorkspaceMount + "/.codex/sessions"

// BuildAgentWrapperScript assembles the final shell command (point 13): a
// conditional that resumes an existing agent session when its history is
// present, or starts a fresh one otherwise, with arguments escaped per the
// shell-quoting rules above.
func BuildAgentWrapperScript(opts CreateOptions, hostWorkdir, prompt string) (string, error) {
	translatedImages := make([]string, 0, len(opts.Images))
	for _, img := range opts.Images {
		translatedImages = append(translatedImages, TranslateImagePath(img, hostWorkdir))
	}

	switch opts.Agent {
	case session.AgentClaudeCode:
		return buildClaudeWrapper(opts, prompt, translatedImages), nil
	case session.AgentCodex:
		return buildCodexWrapper(opts, prompt, translatedImages), nil
	case session.AgentGemini:
		return buildGeminiWrapper(opts, prompt, translatedImages), nil
	default:
		return "", fmt.Errorf("backend: no launch wrapper for agent %q", opts.Agent)
	}
}

func buildClaudeWrapper(opts CreateOptions, prompt string, images []string) string {
	create := []string{"claude"}
	if opts.DangerousSkipChecks {
		create = append(create, "--dangerously-skip-permissions")
	}
	if opts.PrintMode {
		create = append(create, "--print", "--verbose")
	}
	create = append(create, images...)
	create = append(create, "--session-id", opts.SessionID, prompt)

	resume := []string{"claude"}
	if opts.DangerousSkipChecks {
		resume = append(resume, "--dangerously-skip-permissions")
	}
	resume = append(resume, "--resume", opts.SessionID, "--fork-session")

	historyPath := claudeHistoryPath(opts.SessionID)
	return fmt.Sprintf("if [ -f %s ]; then exec %s; else exec %s; fi",
		QuoteShellArg(historyPath), JoinQuoted(resume), JoinQuoted(create))
}

func buildGeminiWrapper(opts CreateOptions, prompt string, images []string) string {
	create := []string{"gemini"}
	if opts.DangerousSkipChecks {
		create = append(create, "--yolo")
	}
	if opts.PrintMode {
		create = append(create, "--output-format", "json")
	}
	create = append(create, images...)
	create = append(create, "--session-id", opts.SessionID, prompt)

	resume := []string{"gemini", "--resume", opts.SessionID}

	historyPath := geminiHistoryPath(opts.SessionID)
	return fmt.Sprintf("if [ -f %s ]; then exec %s; else exec %s; fi",
		QuoteShellArg(historyPath), JoinQuoted(resume), JoinQuoted(create))
}

func buildCodexWrapper(opts CreateOptions, prompt string, images []string) string {
	const preamble = `mkdir -p "$CODEX_HOME" && cp -r /etc/clauderon/codex/. "$CODEX_HOME"/ 2>/dev/null`

	if opts.PrintMode {
		create := []string{"codex"}
		if opts.DangerousSkipChecks {
			create = append(create, "--full-auto")
		}
		create = append(create, "exec")
		for _, img := range images {
			create = append(create, "--image", img)
		}
		create = append(create, prompt)
		return fmt.Sprintf("%s; exec %s", preamble, JoinQuoted(create))
	}

	create := []string{"codex"}
	if opts.DangerousSkipChecks {
		create = append(create, "--full-auto")
	}
	resume := []string{"codex", "resume", "--last"}

	return fmt.Sprintf(
		`%s; if [ -n "$(ls -A %s 2>/dev/null)" ]; then exec %s; else exec %s; fi`,
		preamble, codexSessionsDir, JoinQuoted(resume), JoinQuoted(create),
	)
}
