package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/session"
)

func TestQuoteShellArgPassesThroughSimpleValues(t *testing.T) {
	require.Equal(t, "hello", QuoteShellArg("hello"))
	require.Equal(t, "--flag", QuoteShellArg("--flag"))
}

func TestQuoteShellArgQuotesWhitespaceAndSpecialChars(t *testing.T) {
	require.Equal(t, "'hello world'", QuoteShellArg("hello world"))
	require.Equal(t, "''", QuoteShellArg(""))
	require.Equal(t, `'it'\''s'`, QuoteShellArg("it's"))
	require.Equal(t, "'a&b'", QuoteShellArg("a&b"))
	require.Equal(t, "'a|b'", QuoteShellArg("a|b"))
}

func TestCacheMountsReferenceNamedVolumes(t *testing.T) {
	mounts := CacheMounts()
	require.Len(t, mounts, 3)
	for _, m := range mounts {
		require.True(t, m.Volume, "cache mount %q must be backed by a named volume, not a bind path", m.Source)
	}

	names := CacheVolumeNames()
	require.ElementsMatch(t, names, []string{CargoRegistryVolume, CargoGitVolume, SccacheVolume})
}

func TestWorkdirForDefaultsToWorkspaceRoot(t *testing.T) {
	require.Equal(t, "/workspace", WorkdirFor(CreateOptions{}))
	require.Equal(t, "/workspace/services/api", WorkdirFor(CreateOptions{InitialWorkdir: "services/api"}))
}

func TestEffectivePullPolicyDefaultsToIfNotPresent(t *testing.T) {
	require.Equal(t, PullIfNotPresent, EffectivePullPolicy(""))
	require.Equal(t, PullAlways, EffectivePullPolicy(PullAlways))
}

func TestBaseEnvAddsCodexHomeOnlyForCodex(t *testing.T) {
	claudeEnv := BaseEnv(CreateOptions{Agent: session.AgentClaudeCode})
	require.Contains(t, claudeEnv, "TERM=xterm-256color")
	require.Contains(t, claudeEnv, "HOME=/workspace")
	require.NotContains(t, claudeEnv, "CODEX_HOME=/workspace/.codex")

	codexEnv := BaseEnv(CreateOptions{Agent: session.AgentCodex})
	require.Contains(t, codexEnv, "CODEX_HOME=/workspace/.codex")
}

func TestSanitizeGitIdentityFieldStripsControlCharsKeepsTab(t *testing.T) {
	require.Equal(t, "Jane\tDoe", SanitizeGitIdentityField("Jane\tDoe\x07\n"))
}

func TestProxyEnvNilWithoutPort(t *testing.T) {
	require.Nil(t, ProxyEnv(CreateOptions{SessionID: "s1"}, "host.docker.internal"))
}

func TestProxyEnvSetsPerAgentPlaceholder(t *testing.T) {
	env := ProxyEnv(CreateOptions{SessionID: "s1", SessionProxyPort: 4000, Agent: session.AgentClaudeCode}, "host.docker.internal")
	require.Contains(t, env, "HTTP_PROXY=http://host.docker.internal:4000")
	require.Contains(t, env, "CLAUDE_CODE_OAUTH_TOKEN="+placeholderToken("sk-ant-oat01", "s1"))
	require.Contains(t, env, "SSL_CERT_FILE=/etc/clauderon/proxy-ca.pem")

	codexEnv := ProxyEnv(CreateOptions{SessionID: "s2", SessionProxyPort: 4000, Agent: session.AgentCodex}, "host.docker.internal")
	require.Contains(t, codexEnv, "OPENAI_API_KEY=sk-s2-placeholder")
	require.Contains(t, codexEnv, "CODEX_API_KEY=sk-s2-placeholder")
}

func TestBuildClaudeJSONIncludesBypassOnlyWhenSkippingChecks(t *testing.T) {
	plain, err := BuildClaudeJSON(false)
	require.NoError(t, err)
	require.NotContains(t, string(plain), "bypassPermissionsModeAccepted")

	skipping, err := BuildClaudeJSON(true)
	require.NoError(t, err)
	require.Contains(t, string(skipping), `"bypassPermissionsModeAccepted": true`)
}

func TestBuildManagedSettingsJSON(t *testing.T) {
	raw, err := BuildManagedSettingsJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"defaultMode": "bypassPermissions"`)
}

func TestBuildAgentWrapperScriptClaudeCreateAndResumeBranches(t *testing.T) {
	script, err := BuildAgentWrapperScript(CreateOptions{
		Agent:     session.AgentClaudeCode,
		SessionID: "sess-123",
	}, "/host/work", "fix the bug")
	require.NoError(t, err)
	require.Contains(t, script, "/workspace/.claude/sessions/sess-123.jsonl")
	require.Contains(t, script, "--session-id sess-123 'fix the bug'")
	require.Contains(t, script, "--resume sess-123 --fork-session")
}

func TestBuildAgentWrapperScriptCodexPrintMode(t *testing.T) {
	script, err := BuildAgentWrapperScript(CreateOptions{
		Agent:     session.AgentCodex,
		SessionID: "sess-9",
		PrintMode: true,
	}, "/host/work", "do the thing")
	require.NoError(t, err)
	require.True(t, strings.Contains(script, "codex exec 'do the thing'") || strings.Contains(script, "codex exec do-the-thing"))
	require.Contains(t, script, "CODEX_HOME")
}

func TestBuildAgentWrapperScriptUnknownAgentErrors(t *testing.T) {
	_, err := BuildAgentWrapperScript(CreateOptions{Agent: session.Agent("unknown")}, "/host/work", "x")
	require.Error(t, err)
}

func TestTranslateImagePathUnderWorkdir(t *testing.T) {
	require.Equal(t, "/workspace/shot.png", TranslateImagePath("/host/work/shot.png", "/host/work"))
	require.Equal(t, "/workspace/sub/shot.png", TranslateImagePath("/host/work/sub/shot.png", "/host/work"))
}

func TestTranslateImagePathOutsideWorkdirFallsBackToUploads(t *testing.T) {
	require.Equal(t, "/workspace/.clauderon/uploads/shot.png", TranslateImagePath("/tmp/shot.png", "/host/work"))
}
