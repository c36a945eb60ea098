package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/config"
)

func TestLoadReadsFromSecretsDirWhenEnvAbsent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "github_token"), []byte("gh-secret-123\n"), 0o600))

	r := NewResolver(config.ProxyConfig{SecretsDir: dir})
	creds, err := r.Load(context.Background())
	require.NoError(t, err)

	v, ok := creds.Get(ServiceGitHub)
	require.True(t, ok)
	require.Equal(t, "gh-secret-123", v)
	require.False(t, creds.IsEnvSourced(ServiceGitHub))
}

func TestLoadPrefersEnvOverFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "github_token"), []byte("from-file"), 0o600))
	t.Setenv("GITHUB_TOKEN", "from-env")

	r := NewResolver(config.ProxyConfig{SecretsDir: dir})
	creds, err := r.Load(context.Background())
	require.NoError(t, err)

	v, ok := creds.Get(ServiceGitHub)
	require.True(t, ok)
	require.Equal(t, "from-env", v)
	require.True(t, creds.IsEnvSourced(ServiceGitHub))
}

func TestLoadResolvesOnePasswordReferenceInEnv(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "op://vault/item/field")

	r := NewResolver(config.ProxyConfig{})
	r.opRead = func(ctx context.Context, opPath, ref string) (string, error) {
		require.Equal(t, "op://vault/item/field", ref)
		return "resolved-secret", nil
	}

	creds, err := r.Load(context.Background())
	require.NoError(t, err)

	v, ok := creds.Get(ServiceGitHub)
	require.True(t, ok)
	require.Equal(t, "resolved-secret", v)
	require.False(t, creds.IsEnvSourced(ServiceGitHub), "resolved secret-manager values are not env-literal")
}

func TestLoadFallsBackToFileWhenOnePasswordFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "npm_token"), []byte("file-secret"), 0o600))

	r := NewResolver(config.ProxyConfig{
		SecretsDir:         dir,
		OnePasswordEnabled: true,
		OnePasswordRefs:    map[string]string{"npm": "op://vault/npm/field"},
	})
	r.opRead = func(ctx context.Context, opPath, ref string) (string, error) {
		return "", context.DeadlineExceeded
	}

	creds, err := r.Load(context.Background())
	require.NoError(t, err)

	v, ok := creds.Get(ServiceNpm)
	require.True(t, ok)
	require.Equal(t, "file-secret", v)
}

func TestIsSecretReference(t *testing.T) {
	require.True(t, IsSecretReference("op://vault/item/field"))
	require.False(t, IsSecretReference("plain-value"))
}

func TestLoadCodexTokensRecoversAccountIDFromIDTokenClaim(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		chatgptAccountClaim: "acct_abc123",
	})
	signed, err := token.SignedString([]byte("test-signing-key-not-verified"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"tokens":{"id_token":"`+signed+`"}}`), 0o600))

	tokens, err := LoadCodexTokens(path)
	require.NoError(t, err)
	require.Equal(t, "acct_abc123", tokens.AccountID)
}

func TestLoadCodexTokensMissingFileReturnsEmptyBundle(t *testing.T) {
	tokens, err := LoadCodexTokens(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Empty(t, tokens.AccessToken)
}

func TestSaveCodexTokensRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")

	require.NoError(t, SaveCodexTokens(path, CodexTokens{AccessToken: "tok", AccountID: "acct_1"}, "2026-07-31T00:00:00Z"))

	reloaded, err := LoadCodexTokens(path)
	require.NoError(t, err)
	require.Equal(t, "tok", reloaded.AccessToken)
	require.Equal(t, "acct_1", reloaded.AccountID)
	require.Equal(t, "2026-07-31T00:00:00Z", reloaded.LastRefresh)
}

func TestEnsureCodexConfigTOMLWritesFallbackWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureCodexConfigTOML(dir))

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	require.Contains(t, string(data), "model_provider")
}

func TestEnsureCodexConfigTOMLLeavesExistingFileAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("custom = true\n"), 0o600))

	require.NoError(t, EnsureCodexConfigTOML(dir))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "custom = true\n", string(data))
}

func TestValidateServiceID(t *testing.T) {
	_, err := ValidateServiceID("github")
	require.NoError(t, err)

	_, err = ValidateServiceID("not-a-real-service")
	require.Error(t, err)
}
