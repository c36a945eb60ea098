package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/clauderon/clauderon/internal/audit"
	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/backend/applecontainer"
	"github.com/clauderon/clauderon/internal/backend/container"
	"github.com/clauderon/clauderon/internal/backend/multiplexer"
	"github.com/clauderon/clauderon/internal/backend/orchestrator"
	"github.com/clauderon/clauderon/internal/config"
	"github.com/clauderon/clauderon/internal/credentials"
	"github.com/clauderon/clauderon/internal/hook"
	"github.com/clauderon/clauderon/internal/logging"
	"github.com/clauderon/clauderon/internal/manager"
	"github.com/clauderon/clauderon/internal/proxy"
	"github.com/clauderon/clauderon/internal/session"
	"github.com/clauderon/clauderon/internal/store"
	"github.com/clauderon/clauderon/internal/worktree"
)

// daemon holds every long-lived component the serve and doctor subcommands
// both need, assembled in the order the Rust original's main.rs bootstraps
// them (see SPEC_FULL.md §6.1): store, credentials, proxy CA, worktree
// service, backends, manager, hook hub.
type daemon struct {
	cfg      *config.Config
	log      *logging.Logger
	store    *store.Store
	creds    *credentials.Manager
	audit    *audit.Logger
	ca       *proxy.CA
	mgr      *manager.Manager
	hub      *hook.Hub
	backends map[session.Backend]backend.Backend
}

func (d *daemon) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.WithError(err).Warn("error closing store")
		}
	}
}

// bootstrap assembles every daemon component short of the HTTP listeners,
// so serve and doctor can share the exact same wiring.
func bootstrap(ctx context.Context) (*daemon, error) {
	cfg, err := config.LoadWithPath(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(log)

	st, err := store.Open(cfg.Database.Path, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	credsMgr, err := credentials.NewManager(ctx, cfg.Proxy)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	if err := credentials.EnsureCodexConfigTOML(filepath.Dir(cfg.Proxy.CodexAuthJSONPath)); err != nil {
		log.WithError(err).Warn("failed to materialize fallback codex config.toml")
	}

	auditLog, err := audit.New(cfg.Proxy.AuditLogPath, cfg.Proxy.AuditEnabled, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	ca, err := proxy.LoadOrCreateCA(filepath.Join(config.HomeDir(), "proxy-ca.pem"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load proxy CA: %w", err)
	}

	rules, err := proxy.LoadRules(filepath.Join(config.HomeDir(), "proxy.toml"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load proxy rules: %w", err)
	}

	wt := worktree.New(log)

	backends := buildBackends(cfg, log)

	mgr, err := manager.New(manager.Dependencies{
		Store:        st,
		Worktree:     wt,
		Backends:     backends,
		CA:           ca,
		Rules:        rules,
		Credentials:  credsMgr,
		Audit:        auditLog,
		StrictProxy:  cfg.Credentials.StrictSessionProxy,
		WorktreeBase: cfg.Worktree.BasePath,
	}, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init session manager: %w", err)
	}

	return &daemon{
		cfg:      cfg,
		log:      log,
		store:    st,
		creds:    credsMgr,
		audit:    auditLog,
		ca:       ca,
		mgr:      mgr,
		hub:      hook.NewHub(log),
		backends: backends,
	}, nil
}

// buildBackends constructs one backend per substrate the configuration and
// host platform make available. The multiplexer backend only needs the
// tmux binary on PATH, so it is always registered; the others are gated on
// config.Enabled (Docker, orchestrator) or the host OS (Apple container).
func buildBackends(cfg *config.Config, log *logging.Logger) map[session.Backend]backend.Backend {
	backends := make(map[session.Backend]backend.Backend)
	caPath := filepath.Join(config.HomeDir(), "proxy-ca.pem")

	backends[session.BackendMultiplexer] = multiplexer.New(log)

	if cfg.Docker.Enabled {
		backends[session.BackendContainer] = container.New(cfg.Docker, container.Dependencies{
			HostConfigDir: filepath.Join(config.HomeDir(), "config"),
			ProxyCAPath:   caPath,
			CodexAuthDir:  filepath.Dir(cfg.Proxy.CodexAuthJSONPath),
		}, log)
	}

	if runtime.GOOS == "darwin" {
		backends[session.BackendAppleContainer] = applecontainer.New(applecontainer.Dependencies{
			HostConfigDir: filepath.Join(config.HomeDir(), "config"),
			ProxyCAPath:   caPath,
		}, log)
	}

	if cfg.Orchestrator.Enabled {
		orch, err := orchestrator.NewFromKubeconfig(cfg.Orchestrator, orchestrator.Dependencies{
			ProxyCAPath:  caPath,
			CodexAuthDir: filepath.Dir(cfg.Proxy.CodexAuthJSONPath),
		}, log)
		if err != nil {
			log.WithError(err).Warn("orchestrator backend disabled: failed to build kubernetes client")
		} else {
			backends[session.BackendOrchestrator] = orch
		}
	}

	return backends
}
