// Package config loads clauderon daemon configuration from environment
// variables, an optional config file, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the clauderon daemon.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Credentials  CredentialsConfig  `mapstructure:"credentials"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds the local HTTP surface (hook ingestion, health) configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig holds the embedded store's location.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"maxConns"`
}

// DockerConfig holds the container-runtime-A client configuration.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultImage   string `mapstructure:"defaultImage"`
	PullPolicy     string `mapstructure:"pullPolicy"`
	HostGateway    string `mapstructure:"hostGateway"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// OrchestratorConfig holds the Kubernetes backend configuration.
type OrchestratorConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Kubeconfig       string `mapstructure:"kubeconfig"`
	Namespace        string `mapstructure:"namespace"`
	StorageClass     string `mapstructure:"storageClass"`
	ProxyGatewayMode string `mapstructure:"proxyGatewayMode"` // "service" or "host-alias"
	ProxyServiceName string `mapstructure:"proxyServiceName"`
	ProxyGatewayIP   string `mapstructure:"proxyGatewayIp"`
	PodReadyTimeout  int    `mapstructure:"podReadyTimeoutSeconds"`
}

// ProxyConfig holds the credential proxy configuration, mirroring proxy.toml.
type ProxyConfig struct {
	SecretsDir         string            `mapstructure:"secretsDir"`
	TalosGatewayPort   int               `mapstructure:"talosGatewayPort"`
	KubectlProxyPort   int               `mapstructure:"kubectlProxyPort"`
	AuditEnabled       bool              `mapstructure:"auditEnabled"`
	AuditLogPath       string            `mapstructure:"auditLogPath"`
	CodexAuthJSONPath  string            `mapstructure:"codexAuthJsonPath"`
	OnePasswordEnabled bool              `mapstructure:"onepasswordEnabled"`
	OnePasswordOpPath  string            `mapstructure:"onepasswordOpPath"`
	OnePasswordRefs    map[string]string `mapstructure:"onepasswordCredentials"`
}

// WorktreeConfig holds git worktree placement configuration.
type WorktreeConfig struct {
	BasePath string `mapstructure:"basePath"`
}

// CredentialsConfig controls the strict-vs-lenient policy for per-session
// proxy spawn failures (see DESIGN.md Open Question decision).
type CredentialsConfig struct {
	StrictSessionProxy bool `mapstructure:"strictSessionProxy"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CLAUDERON_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// HomeDir returns the clauderon home directory, honoring CLAUDERON_HOME.
func HomeDir() string {
	if dir := os.Getenv("CLAUDERON_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clauderon"
	}
	return filepath.Join(home, ".clauderon")
}

func setDefaults(v *viper.Viper) {
	home := HomeDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", filepath.Join(home, "db.sqlite"))
	v.SetDefault("database.maxConns", 4)

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultImage", "clauderon/agent-sandbox:latest")
	v.SetDefault("docker.pullPolicy", "if-not-present")
	v.SetDefault("docker.hostGateway", "host.docker.internal")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())

	v.SetDefault("orchestrator.enabled", false)
	v.SetDefault("orchestrator.kubeconfig", "")
	v.SetDefault("orchestrator.namespace", "clauderon")
	v.SetDefault("orchestrator.storageClass", "")
	v.SetDefault("orchestrator.proxyGatewayMode", "service")
	v.SetDefault("orchestrator.proxyServiceName", "clauderon-proxy")
	v.SetDefault("orchestrator.proxyGatewayIp", "")
	v.SetDefault("orchestrator.podReadyTimeoutSeconds", 60)

	v.SetDefault("proxy.secretsDir", filepath.Join(home, "secrets"))
	v.SetDefault("proxy.talosGatewayPort", 18082)
	v.SetDefault("proxy.kubectlProxyPort", 18081)
	v.SetDefault("proxy.auditEnabled", true)
	v.SetDefault("proxy.auditLogPath", filepath.Join(home, "audit.jsonl"))
	v.SetDefault("proxy.codexAuthJsonPath", filepath.Join(home, "codex", "auth.json"))
	v.SetDefault("proxy.onepasswordEnabled", false)
	v.SetDefault("proxy.onepasswordOpPath", "op")
	v.SetDefault("proxy.onepasswordCredentials", map[string]string{})

	v.SetDefault("worktree.basePath", filepath.Join(home, "worktrees"))

	v.SetDefault("credentials.strictSessionProxy", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path,
// honoring the standard DOCKER_HOST override.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "clauderon", "volumes")
	}
	return "/var/lib/clauderon/volumes"
}

// Load reads configuration from environment variables (prefix CLAUDERON_),
// an optional config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory (if non-empty)
// plus the usual search locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLAUDERON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "CLAUDERON_LOG_LEVEL")
	_ = v.BindEnv("database.path", "CLAUDERON_DB_PATH")
	_ = v.BindEnv("docker.host", "DOCKER_HOST")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(HomeDir())
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/clauderon/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Orchestrator.Enabled && cfg.Orchestrator.ProxyGatewayMode != "service" && cfg.Orchestrator.ProxyGatewayMode != "host-alias" {
		errs = append(errs, "orchestrator.proxyGatewayMode must be one of: service, host-alias")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
