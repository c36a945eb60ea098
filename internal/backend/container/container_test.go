package container

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types/mount"
	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/config"
	"github.com/clauderon/clauderon/internal/session"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	return New(config.DockerConfig{
		DefaultImage: "clauderon/agent-sandbox:latest",
		HostGateway:  "host.docker.internal",
	}, Dependencies{
		HostConfigDir: t.TempDir(),
		ProxyCAPath:   "/home/user/.clauderon/proxy-ca.pem",
	}, nil)
}

func TestBuildContainerConfigMountsWorkspaceAndCaches(t *testing.T) {
	b := testBackend(t)
	cfg, hostCfg, err := b.buildContainerConfig(context.Background(), "sess-1", "/host/repo", "fix it", backend.CreateOptions{
		Agent:     session.AgentClaudeCode,
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	require.Equal(t, "clauderon/agent-sandbox:latest", cfg.Image)
	require.Equal(t, "/workspace", cfg.WorkingDir)
	require.Contains(t, cfg.Env, "HOME=/workspace")

	var workspaceMounted, registryMounted bool
	for _, m := range hostCfg.Mounts {
		if m.Target == "/workspace" && m.Source == "/host/repo" {
			workspaceMounted = true
		}
		if m.Target == "/workspace/.cargo/registry" {
			registryMounted = true
		}
	}
	require.True(t, workspaceMounted)
	require.True(t, registryMounted)
}

func TestBuildContainerConfigIsInteractiveTTY(t *testing.T) {
	b := testBackend(t)
	cfg, _, err := b.buildContainerConfig(context.Background(), "sess-1", "/host/repo", "fix it", backend.CreateOptions{
		Agent:     session.AgentClaudeCode,
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	require.True(t, cfg.Tty, "sandbox must be TTY-allocating, matching docker run -dit")
	require.True(t, cfg.OpenStdin)
	require.True(t, cfg.AttachStdin)
}

func TestBuildContainerConfigMountsCachesAsNamedVolumes(t *testing.T) {
	b := testBackend(t)
	_, hostCfg, err := b.buildContainerConfig(context.Background(), "sess-1", "/host/repo", "fix it", backend.CreateOptions{
		Agent:     session.AgentClaudeCode,
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, m := range hostCfg.Mounts {
		if m.Type == mount.TypeVolume {
			seen[m.Source] = true
		}
	}
	require.True(t, seen[backend.CargoRegistryVolume])
	require.True(t, seen[backend.CargoGitVolume])
	require.True(t, seen[backend.SccacheVolume])
}

func TestBuildContainerConfigNeverRunsAsRoot(t *testing.T) {
	b := testBackend(t)
	cfg, _, err := b.buildContainerConfig(context.Background(), "sess-1", "/host/repo", "fix it", backend.CreateOptions{
		Agent:     session.AgentClaudeCode,
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, cfg.User)
	require.NotEqual(t, "0:0", cfg.User)
}

func TestBuildContainerConfigMountsProxyCAWhenPortSet(t *testing.T) {
	b := testBackend(t)
	_, hostCfg, err := b.buildContainerConfig(context.Background(), "sess-1", "/host/repo", "fix it", backend.CreateOptions{
		Agent:            session.AgentClaudeCode,
		SessionID:        "sess-1",
		SessionProxyPort: 4100,
	})
	require.NoError(t, err)

	var caMounted bool
	for _, m := range hostCfg.Mounts {
		if m.Target == "/etc/clauderon/proxy-ca.pem" {
			caMounted = true
			require.True(t, m.ReadOnly)
		}
	}
	require.True(t, caMounted)
}

func TestCreateFailsWhenProxyCAFileMissing(t *testing.T) {
	b := New(config.DockerConfig{DefaultImage: "clauderon/agent-sandbox:latest"}, Dependencies{
		ProxyCAPath: "/does/not/exist/proxy-ca.pem",
	}, nil)

	_, err := b.Create(context.Background(), "sess-1", "/host/repo", "fix it", backend.CreateOptions{
		Agent:            session.AgentClaudeCode,
		SessionID:        "sess-1",
		SessionProxyPort: 4100,
	})
	require.Error(t, err)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperror.CodeProxyCAMissing, appErr.Code)
}

func TestResolveImagePrefersOverride(t *testing.T) {
	b := testBackend(t)
	require.Equal(t, "clauderon/agent-sandbox:latest", b.resolveImage(backend.CreateOptions{}))
	require.Equal(t, "custom:tag", b.resolveImage(backend.CreateOptions{ContainerImage: "custom:tag"}))
}

func TestAttachCommand(t *testing.T) {
	b := testBackend(t)
	argv, err := b.AttachCommand(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, []string{"docker", "attach", "abc123"}, argv)
}
