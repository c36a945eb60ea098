package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/audit"
	"github.com/clauderon/clauderon/internal/config"
	"github.com/clauderon/clauderon/internal/credentials"
	"github.com/clauderon/clauderon/internal/session"
)

func writeFileHelper(t *testing.T, dir, name, content string) error {
	t.Helper()
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600)
}

func testCA(t *testing.T) *CA {
	t.Helper()
	dir := t.TempDir()
	ca, err := LoadOrCreateCA(filepath.Join(dir, "proxy-ca.pem"))
	require.NoError(t, err)
	return ca
}

func testAudit(t *testing.T) *audit.Logger {
	t.Helper()
	l, err := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), true, nil)
	require.NoError(t, err)
	return l
}

func testCredentialsManager(t *testing.T, secretsDir string) *credentials.Manager {
	t.Helper()
	m, err := credentials.NewManager(context.Background(), config.ProxyConfig{SecretsDir: secretsDir})
	require.NoError(t, err)
	return m
}

func TestMatchRuleFirstMatchWins(t *testing.T) {
	rules := []Rule{
		{HostSuffix: "api.github.com", CredentialKey: credentials.ServiceGitHub},
		{HostSuffix: "github.com", CredentialKey: credentials.ServiceGitHub},
	}
	r := MatchRule(rules, "api.github.com")
	require.NotNil(t, r)
	require.Equal(t, "api.github.com", r.HostSuffix)

	r = MatchRule(rules, "raw.github.com")
	require.NotNil(t, r)
	require.Equal(t, "github.com", r.HostSuffix)

	require.Nil(t, MatchRule(rules, "example.com"))
}

func TestIsValidAnthropicToken(t *testing.T) {
	require.True(t, IsValidAnthropicToken("sk-ant-oat01-abc123"))
	require.False(t, IsValidAnthropicToken("sk-ant-api03-abc123"))
}

func TestClassifyError(t *testing.T) {
	require.Equal(t, ErrorConnectionRefused, ClassifyError(errors.New("dial tcp: connection refused")))
	require.Equal(t, ErrorDNSResolution, ClassifyError(errors.New("no such host")))
	require.Equal(t, ErrorConnectionTimeout, ClassifyError(errors.New("context deadline exceeded")))
	require.Equal(t, ErrorTLSCertificate, ClassifyError(errors.New("x509: certificate signed by unknown authority")))
	require.Equal(t, ErrorUnknown, ClassifyError(errors.New("something else entirely")))
}

func TestReadOnlySessionRejectsWriteMethods(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	secretsDir := t.TempDir()
	s := New(testCA(t), nil, testCredentialsManager(t, secretsDir), testAudit(t), "sess-1", session.AccessReadOnly, nil)

	req := httptest.NewRequest(http.MethodPost, "http://"+upstream.Listener.Addr().String()+"/repos/x", nil)
	req.RemoteAddr = "127.0.0.1:55555"
	rec := httptest.NewRecorder()

	s.handleRequest(rec, req, upstream.Listener.Addr().String())

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "read-only")
}

func TestGlobalProxyAllowsWriteMethods(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	secretsDir := t.TempDir()
	s := New(testCA(t), nil, testCredentialsManager(t, secretsDir), testAudit(t), "", session.AccessReadOnly, nil)

	req := httptest.NewRequest(http.MethodPost, "http://"+upstream.Listener.Addr().String()+"/repos/x", nil)
	req.RemoteAddr = "127.0.0.1:55556"
	rec := httptest.NewRecorder()

	s.handleRequest(rec, req, upstream.Listener.Addr().String())

	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestUpdateAccessModeTakesEffectImmediately(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	secretsDir := t.TempDir()
	s := New(testCA(t), nil, testCredentialsManager(t, secretsDir), testAudit(t), "sess-1", session.AccessReadOnly, nil)

	req := httptest.NewRequest(http.MethodPost, "http://"+upstream.Listener.Addr().String()+"/x", nil)
	req.RemoteAddr = "127.0.0.1:55557"
	rec := httptest.NewRecorder()
	s.handleRequest(rec, req, upstream.Listener.Addr().String())
	require.Equal(t, http.StatusForbidden, rec.Code)

	s.UpdateAccessMode(session.AccessReadWrite)

	req2 := httptest.NewRequest(http.MethodPost, "http://"+upstream.Listener.Addr().String()+"/x", nil)
	req2.RemoteAddr = "127.0.0.1:55558"
	rec2 := httptest.NewRecorder()
	s.handleRequest(rec2, req2, upstream.Listener.Addr().String())
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestInjectAuthSkipsWhenCredentialMissing(t *testing.T) {
	secretsDir := t.TempDir()
	s := New(testCA(t), DefaultRules, testCredentialsManager(t, secretsDir), testAudit(t), "", session.AccessReadWrite, nil)

	req := httptest.NewRequest(http.MethodGet, "https://api.github.com/repos/x", nil)
	injected := s.injectAuth(req, "api.github.com")
	require.False(t, injected)
	require.Empty(t, req.Header.Get("Authorization"))
}

func TestInjectAuthRejectsMalformedAnthropicToken(t *testing.T) {
	secretsDir := t.TempDir()
	require.NoError(t, writeFileHelper(t, secretsDir, "anthropic_oauth_token", "not-the-right-prefix"))

	s := New(testCA(t), DefaultRules, testCredentialsManager(t, secretsDir), testAudit(t), "", session.AccessReadWrite, nil)

	req := httptest.NewRequest(http.MethodGet, "https://api.anthropic.com/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer old-value")
	injected := s.injectAuth(req, "api.anthropic.com")

	require.False(t, injected)
	require.Empty(t, req.Header.Get("Authorization"), "stale header must be removed even when injection is skipped")
}

func TestInjectAuthValidAnthropicToken(t *testing.T) {
	secretsDir := t.TempDir()
	require.NoError(t, writeFileHelper(t, secretsDir, "anthropic_oauth_token", "sk-ant-oat01-abc123"))

	s := New(testCA(t), DefaultRules, testCredentialsManager(t, secretsDir), testAudit(t), "", session.AccessReadWrite, nil)

	req := httptest.NewRequest(http.MethodGet, "https://api.anthropic.com/v1/messages", nil)
	injected := s.injectAuth(req, "api.anthropic.com")

	require.True(t, injected)
	require.Equal(t, "Bearer sk-ant-oat01-abc123", req.Header.Get("Authorization"))
}
