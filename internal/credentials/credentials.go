// Package credentials implements the three-source credential loader
// (environment → secret manager → files) and the Codex token bundle
// special-case handling described in spec.md §4.3.
package credentials

import "strings"

// Service is one of the closed set of credential identifiers recognized
// by the daemon.
type Service string

const (
	ServiceGitHub    Service = "github"
	ServiceAnthropic Service = "anthropic"
	ServiceOpenAI    Service = "openai"
	ServiceChatGPT   Service = "chatgpt"
	ServicePagerDuty Service = "pagerduty"
	ServiceSentry    Service = "sentry"
	ServiceGrafana   Service = "grafana"
	ServiceNpm       Service = "npm"
	ServiceDocker    Service = "docker"
	ServiceK8s       Service = "k8s"
	ServiceTalos     Service = "talos"
)

// KnownServices is the closed set of valid credential identifiers.
var KnownServices = map[Service]bool{
	ServiceGitHub: true, ServiceAnthropic: true, ServiceOpenAI: true,
	ServiceChatGPT: true, ServicePagerDuty: true, ServiceSentry: true,
	ServiceGrafana: true, ServiceNpm: true, ServiceDocker: true,
	ServiceK8s: true, ServiceTalos: true,
}

// CodexTokens is the specialized ChatGPT/Codex token bundle.
type CodexTokens struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	LastRefresh  string `json:"last_refresh,omitempty"`
}

// Credentials is the immutable, process-wide credential snapshot. Updates
// replace the whole value atomically; nothing mutates a Credentials value
// in place (spec.md §5/§9 "global mutable state" guidance).
type Credentials struct {
	Secrets map[Service]string
	Codex   CodexTokens

	// sourceIsEnv marks which services were sourced purely from the
	// environment — those are read-only from the caller's perspective.
	sourceIsEnv map[Service]bool
}

// Get returns the secret for a service, and whether it was found.
func (c *Credentials) Get(svc Service) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.Secrets[svc]
	return v, ok
}

// IsEnvSourced reports whether a credential came from the process
// environment — such credentials reject mutation (spec.md §7).
func (c *Credentials) IsEnvSourced(svc Service) bool {
	if c == nil {
		return false
	}
	return c.sourceIsEnv[svc]
}

// opReferencePrefix marks a value as a secret-manager reference rather than
// a literal secret, per spec.md §4.3.
const opReferencePrefix = "op://"

// IsSecretReference reports whether v names a secret-manager reference
// instead of carrying a literal secret value.
func IsSecretReference(v string) bool {
	return strings.HasPrefix(v, opReferencePrefix)
}
