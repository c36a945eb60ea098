package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/config"
	"github.com/clauderon/clauderon/internal/logging"
)

// secretManagerTimeout bounds every call out to the 1Password CLI so that a
// hung or missing `op` binary never stalls daemon startup or a session
// create request; per spec.md §4.3 resolution must degrade gracefully.
const secretManagerTimeout = 8 * time.Second

// Resolver loads credentials from the configured three-source chain:
// environment variables, an optional secret manager, then files under the
// secrets directory. It is built once at daemon startup and its Load result
// is handed to consumers as an immutable snapshot.
type Resolver struct {
	cfg    config.ProxyConfig
	opRead func(ctx context.Context, opPath, ref string) (string, error)
}

// NewResolver builds a Resolver from the proxy configuration section.
func NewResolver(cfg config.ProxyConfig) *Resolver {
	return &Resolver{cfg: cfg, opRead: runOpRead}
}

// envVarsForService lists, in priority order, the environment variables
// recognized for a service — several services have more than one historical
// name (e.g. PAGERDUTY_TOKEN/PAGERDUTY_API_KEY).
var envVarsForService = map[Service][]string{
	ServiceGitHub:    {"GITHUB_TOKEN"},
	ServiceAnthropic: {"CLAUDE_CODE_OAUTH_TOKEN"},
	ServiceOpenAI:    {"OPENAI_API_KEY", "CODEX_API_KEY"},
	ServicePagerDuty: {"PAGERDUTY_TOKEN", "PAGERDUTY_API_KEY"},
	ServiceSentry:    {"SENTRY_AUTH_TOKEN"},
	ServiceGrafana:   {"GRAFANA_API_KEY"},
	ServiceNpm:       {"NPM_TOKEN"},
	ServiceDocker:    {"DOCKER_TOKEN"},
	ServiceK8s:       {"K8S_TOKEN"},
	ServiceTalos:     {"TALOS_TOKEN"},
}

// secretFileForService maps a service to its file name under the secrets
// directory; chatgpt has no entry here since it is carried exclusively in
// the Codex token bundle, not a standalone file.
var secretFileForService = map[Service]string{
	ServiceGitHub:    "github_token",
	ServiceAnthropic: "anthropic_oauth_token",
	ServiceOpenAI:    "openai_api_key",
	ServicePagerDuty: "pagerduty_token",
	ServiceSentry:    "sentry_auth_token",
	ServiceGrafana:   "grafana_api_key",
	ServiceNpm:       "npm_token",
	ServiceDocker:    "docker_token",
	ServiceK8s:       "k8s_token",
	ServiceTalos:     "talos_token",
}

// Load resolves every known service's credential, trying the environment
// first, then the secret manager (if enabled), then the secrets directory.
// A missing or unreadable credential is simply left out — callers that
// require one check Credentials.Get's ok value — and a Codex bundle that
// fails to load is logged and skipped, so the returned error is always nil.
func (r *Resolver) Load(ctx context.Context) (*Credentials, error) {
	log := logging.Default()

	creds := &Credentials{
		Secrets:     make(map[Service]string),
		sourceIsEnv: make(map[Service]bool),
	}

	for svc := range KnownServices {
		if resolved, found := r.loadFromEnv(ctx, svc, log); found {
			creds.Secrets[svc] = resolved.value
			creds.sourceIsEnv[svc] = resolved.isEnvLiteral
			continue
		}

		if r.cfg.OnePasswordEnabled {
			if ref, ok := r.cfg.OnePasswordRefs[string(svc)]; ok && ref != "" {
				resolved, err := r.resolveReference(ctx, ref)
				if err != nil {
					log.WithError(err).Warn("secret manager lookup failed, falling back to file source", zap.String("service", string(svc)))
				} else {
					creds.Secrets[svc] = resolved
					continue
				}
			}
		}

		if v, ok := r.readSecretFile(svc); ok {
			creds.Secrets[svc] = v
		}
	}

	codex, err := LoadCodexTokens(r.cfg.CodexAuthJSONPath)
	if err != nil {
		log.WithError(err).Warn("codex token bundle not loaded")
	} else {
		creds.Codex = codex
	}

	return creds, nil
}

type envResolution struct {
	value        string
	isEnvLiteral bool
}

// loadFromEnv checks each environment variable recognized for svc, in
// priority order, resolving "op://" references through the secret manager
// and treating any other non-empty value as a literal, env-sourced secret.
func (r *Resolver) loadFromEnv(ctx context.Context, svc Service, log *logging.Logger) (envResolution, bool) {
	for _, envVar := range envVarsForService[svc] {
		v := os.Getenv(envVar)
		if v == "" {
			continue
		}
		if IsSecretReference(v) {
			resolved, err := r.resolveReference(ctx, v)
			if err != nil {
				log.WithError(err).Warn("secret manager reference in env var could not be resolved", zap.String("service", string(svc)))
				continue
			}
			return envResolution{value: resolved}, true
		}
		return envResolution{value: v, isEnvLiteral: true}, true
	}
	return envResolution{}, false
}

// resolveReference resolves an "op://..." reference via the 1Password CLI,
// bounded by secretManagerTimeout so a hung subprocess cannot block the
// caller indefinitely.
func (r *Resolver) resolveReference(ctx context.Context, ref string) (string, error) {
	if !IsSecretReference(ref) {
		return ref, nil
	}
	ctx, cancel := context.WithTimeout(ctx, secretManagerTimeout)
	defer cancel()

	opPath := r.cfg.OnePasswordOpPath
	if opPath == "" {
		opPath = "op"
	}
	return r.opRead(ctx, opPath, ref)
}

// readSecretFile reads a credential from <secretsDir>/<file>, the final
// fallback source. One credential per file, trimmed of surrounding
// whitespace. chatgpt has no file source; it is only ever sourced from the
// Codex token bundle.
func (r *Resolver) readSecretFile(svc Service) (string, bool) {
	if r.cfg.SecretsDir == "" {
		return "", false
	}
	fileName, ok := secretFileForService[svc]
	if !ok {
		return "", false
	}
	path := filepath.Join(r.cfg.SecretsDir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", false
	}
	return v, true
}

// writeSecretFile atomically writes name under dir with mode 0600, used for
// the Codex auth.json write-back and the fallback config.toml. Writes go
// through a temp file
// plus rename so a crash mid-write never leaves a truncated credential.
func writeSecretFile(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return apperror.Internal("create secrets dir", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return apperror.Internal("create temp secret file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperror.Internal("write temp secret file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperror.Internal("close temp secret file", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return apperror.Internal("chmod temp secret file", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return apperror.Internal("rename temp secret file", err)
	}
	return nil
}
