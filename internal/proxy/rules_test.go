package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/credentials"
)

func TestLoadRulesReturnsDefaultsWhenFileMissing(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "proxy.toml"))
	require.NoError(t, err)
	require.Equal(t, DefaultRules, rules)
}

func TestLoadRulesUserRuleOverridesDefaultForSameSuffix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.toml")
	toml := `
[[rules]]
host_suffix = "api.anthropic.com"
credential_key = "anthropic-internal"
header_name = "X-Internal-Auth"
format = "raw"

[[rules]]
host_suffix = "internal.example.com"
credential_key = "custom"
header_name = "Authorization"
format = "token"
`
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)

	rule := MatchRule(rules, "api.anthropic.com")
	require.NotNil(t, rule)
	require.Equal(t, credentials.Service("anthropic-internal"), rule.CredentialKey)
	require.Equal(t, "X-Internal-Auth", rule.HeaderName)
	require.Equal(t, FormatRaw, rule.Format)

	custom := MatchRule(rules, "internal.example.com")
	require.NotNil(t, custom)
	require.Equal(t, FormatToken, custom.Format)

	// Defaults not overridden by a user rule still match.
	openai := MatchRule(rules, "api.openai.com")
	require.NotNil(t, openai)
	require.Equal(t, credentials.ServiceOpenAI, openai.CredentialKey)
}
