package proxy

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/clauderon/clauderon/internal/credentials"
)

// HeaderFormat controls how a credential value is rendered into its
// destination header.
type HeaderFormat int

const (
	FormatBearer HeaderFormat = iota
	FormatToken
	FormatRaw
)

// Rule maps a hostname suffix to the credential that should be injected
// into matching requests.
type Rule struct {
	HostSuffix    string
	CredentialKey credentials.Service
	HeaderName    string
	Format        HeaderFormat
}

// anthropicOAuthPrefix is the required prefix for the Anthropic credential;
// spec.md §4.5 "Anthropic special case."
const anthropicOAuthPrefix = "sk-ant-oat01-"

// DefaultRules is the built-in, ordered hostname-suffix rule list. First
// match wins.
var DefaultRules = []Rule{
	{HostSuffix: "api.anthropic.com", CredentialKey: credentials.ServiceAnthropic, HeaderName: "Authorization", Format: FormatBearer},
	{HostSuffix: "api.openai.com", CredentialKey: credentials.ServiceOpenAI, HeaderName: "Authorization", Format: FormatBearer},
	{HostSuffix: "chatgpt.com", CredentialKey: credentials.ServiceChatGPT, HeaderName: "Authorization", Format: FormatBearer},
	{HostSuffix: "api.github.com", CredentialKey: credentials.ServiceGitHub, HeaderName: "Authorization", Format: FormatToken},
	{HostSuffix: "github.com", CredentialKey: credentials.ServiceGitHub, HeaderName: "Authorization", Format: FormatToken},
	{HostSuffix: "events.pagerduty.com", CredentialKey: credentials.ServicePagerDuty, HeaderName: "Authorization", Format: FormatToken},
	{HostSuffix: "sentry.io", CredentialKey: credentials.ServiceSentry, HeaderName: "Authorization", Format: FormatBearer},
	{HostSuffix: "registry.npmjs.org", CredentialKey: credentials.ServiceNpm, HeaderName: "Authorization", Format: FormatBearer},
}

// rulesFile is the on-disk shape of proxy.toml's [[rules]] table, kept
// distinct from Rule so the user-facing format (lowercase string enums)
// doesn't leak the internal HeaderFormat int.
type rulesFile struct {
	Rules []tomlRule `toml:"rules"`
}

type tomlRule struct {
	HostSuffix    string `toml:"host_suffix"`
	CredentialKey string `toml:"credential_key"`
	HeaderName    string `toml:"header_name"`
	Format        string `toml:"format"`
}

func parseHeaderFormat(s string) HeaderFormat {
	switch s {
	case "token":
		return FormatToken
	case "raw":
		return FormatRaw
	default:
		return FormatBearer
	}
}

// LoadRules reads user-supplied rules from a proxy.toml file and merges
// them ahead of DefaultRules per SPEC_FULL.md §6 supplemented feature 3:
// user rules for a host suffix take precedence over the built-in rule for
// that suffix, since MatchRule returns the first match. A missing file is
// not an error — it just means no user rules are configured.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRules, nil
	}
	if err != nil {
		return nil, err
	}

	var parsed rulesFile
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	merged := make([]Rule, 0, len(parsed.Rules)+len(DefaultRules))
	for _, r := range parsed.Rules {
		merged = append(merged, Rule{
			HostSuffix:    r.HostSuffix,
			CredentialKey: credentials.Service(r.CredentialKey),
			HeaderName:    r.HeaderName,
			Format:        parseHeaderFormat(r.Format),
		})
	}
	merged = append(merged, DefaultRules...)
	return merged, nil
}

// MatchRule returns the first rule whose HostSuffix matches host, or nil.
func MatchRule(rules []Rule, host string) *Rule {
	for i := range rules {
		if host == rules[i].HostSuffix || strings.HasSuffix(host, "."+rules[i].HostSuffix) {
			return &rules[i]
		}
	}
	return nil
}

// FormatHeaderValue renders a credential value per the rule's format.
func FormatHeaderValue(format HeaderFormat, value string) string {
	switch format {
	case FormatBearer:
		return "Bearer " + value
	case FormatToken:
		return "token " + value
	default:
		return value
	}
}

// IsValidAnthropicToken reports whether value carries the required OAuth
// bearer prefix for the Anthropic credential.
func IsValidAnthropicToken(value string) bool {
	return strings.HasPrefix(value, anthropicOAuthPrefix)
}
