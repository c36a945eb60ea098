// Package container implements backend.Backend on the Docker container
// runtime, using the Docker client directly (the daemon is contacted over
// its Unix/npipe socket, no agent-control sidecar is involved).
package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/config"
	"github.com/clauderon/clauderon/internal/logging"
)

// managedLabel marks every container this backend creates, so ListContainers
// filtering never picks up unrelated containers on the host.
const managedLabel = "clauderon.managed"

// Backend launches one ClaudeCode/Codex/Gemini sandbox per session as a
// Docker container. The client is created lazily on first use so a daemon
// that isn't running yet doesn't prevent the process from starting, per the
// teacher's DockerExecutor idiom.
type Backend struct {
	cfg config.DockerConfig
	log *logging.Logger

	hostConfigDir string
	uploadsDir    string
	proxyCAPath   string
	codexAuthDir  string
	talosDir      string

	newClientFunc func(config.DockerConfig) (*dockerclient.Client, error)

	mu          sync.Mutex
	initialized bool
	cli         *dockerclient.Client
}

// Dependencies groups the host paths the launch-argument assembly needs but
// that come from daemon-wide configuration rather than per-create options.
type Dependencies struct {
	HostConfigDir string
	ProxyCAPath   string
	CodexAuthDir  string
	TalosDir      string
}

// New builds a Docker backend. The Docker client is not dialed until the
// first Create/Exists/Delete call.
func New(cfg config.DockerConfig, deps Dependencies, log *logging.Logger) *Backend {
	if log == nil {
		log = logging.Default()
	}
	return &Backend{
		cfg:           cfg,
		log:           log,
		hostConfigDir: deps.HostConfigDir,
		uploadsDir:    deps.HostConfigDir + "/uploads",
		proxyCAPath:   deps.ProxyCAPath,
		codexAuthDir:  deps.CodexAuthDir,
		talosDir:      deps.TalosDir,
		newClientFunc: newDockerClient,
	}
}

func newDockerClient(cfg config.DockerConfig) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, dockerclient.WithVersion(cfg.APIVersion))
	}
	return dockerclient.NewClientWithOpts(opts...)
}

// ensureClient lazily dials the daemon, retrying on every call until one
// succeeds — a transient daemon restart should not permanently wedge the
// backend.
func (b *Backend) ensureClient() (*dockerclient.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return b.cli, nil
	}

	cli, err := b.newClientFunc(b.cfg)
	if err != nil {
		return nil, apperror.Internal("failed to create docker client", err)
	}

	b.cli = cli
	b.initialized = true
	return b.cli, nil
}

func containerName(name string) string {
	return "clauderon-" + name
}

// Create builds the launch arguments per spec.md §4.7, pulls the image per
// the resolved policy, and starts the container.
func (b *Backend) Create(ctx context.Context, name, workdir, prompt string, opts backend.CreateOptions) (string, error) {
	if opts.SessionProxyPort != 0 {
		if _, err := os.Stat(b.proxyCAPath); err != nil {
			return "", apperror.ProxyCAMissing(b.proxyCAPath)
		}
	}

	cli, err := b.ensureClient()
	if err != nil {
		return "", err
	}

	if err := b.ensureCacheVolumes(ctx, cli); err != nil {
		return "", apperror.Internal("failed to ensure build-cache volumes", err)
	}

	cfg, hostCfg, err := b.buildContainerConfig(ctx, name, workdir, prompt, opts)
	if err != nil {
		return "", apperror.Internal("failed to build container launch config", err)
	}

	imageName := b.resolveImage(opts)
	if err := b.pullIfNeeded(ctx, cli, imageName, opts); err != nil {
		return "", apperror.Internal(fmt.Sprintf("failed to pull image %s", imageName), err)
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(name))
	if err != nil {
		return "", apperror.Internal("failed to create container", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true})
		return "", apperror.Internal("failed to start container", err)
	}

	b.log.Info("container backend created sandbox",
		zap.String("name", name), zap.String("container_id", resp.ID), zap.String("image", imageName))

	return resp.ID, nil
}

// ensureCacheVolumes creates each shared build-cache volume if it doesn't
// already exist. VolumeCreate is idempotent: it returns the existing volume
// rather than erroring when the name is already taken.
func (b *Backend) ensureCacheVolumes(ctx context.Context, cli *dockerclient.Client) error {
	for _, name := range backend.CacheVolumeNames() {
		if _, err := cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) resolveImage(opts backend.CreateOptions) string {
	if opts.ContainerImage != "" {
		return opts.ContainerImage
	}
	return b.cfg.DefaultImage
}

func (b *Backend) pullIfNeeded(ctx context.Context, cli *dockerclient.Client, imageName string, opts backend.CreateOptions) error {
	policy := backend.EffectivePullPolicy(opts.PullPolicy)
	if policy == backend.PullNever {
		return nil
	}
	if policy == backend.PullIfNotPresent {
		if _, _, err := cli.ImageInspectWithRaw(ctx, imageName); err == nil {
			return nil
		}
	}

	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// buildContainerConfig assembles the launch arguments into Docker's
// container/host config types: workspace, cache, config-dir and (with a
// session proxy) CA/Codex/Talos mounts; base, cache, proxy, hook and git
// identity env; resource limits; and the agent wrapper command. It does not
// mount a worktree's parent .git directory, claude.json, or
// managed-settings.json into the container.
func (b *Backend) buildContainerConfig(ctx context.Context, name, hostWorkdir, prompt string, opts backend.CreateOptions) (*dockercontainer.Config, *dockercontainer.HostConfig, error) {
	script, err := backend.BuildAgentWrapperScript(opts, hostWorkdir, prompt)
	if err != nil {
		return nil, nil, err
	}

	env := backend.BaseEnv(opts)
	env = append(env, backend.CacheEnv()...)
	env = append(env, backend.ProxyEnv(opts, b.cfg.HostGateway)...)
	env = append(env, backend.HookEnv(opts)...)
	env = append(env, backend.GitIdentityEnv(backend.ReadGitIdentity(ctx, hostWorkdir))...)

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: hostWorkdir, Target: backend.WorkspaceMount},
	}
	for _, m := range backend.CacheMounts() {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	if b.hostConfigDir != "" {
		for _, m := range backend.ConfigMounts(b.hostConfigDir) {
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
		}
	}
	if opts.SessionProxyPort != 0 && b.proxyCAPath != "" {
		caMount := backend.ProxyCAMount(b.proxyCAPath)
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: caMount.Source, Target: caMount.Target, ReadOnly: true})
		if b.codexAuthDir != "" {
			authMount := backend.CodexAuthMount(b.codexAuthDir)
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: authMount.Source, Target: authMount.Target, ReadOnly: true})
		}
		if b.talosDir != "" {
			talosMount := backend.TalosConfigMount(b.talosDir)
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: talosMount.Source, Target: talosMount.Target, ReadOnly: true})
		}
	}

	resources := dockercontainer.Resources{}
	if opts.ContainerResources.MemoryMB > 0 {
		resources.Memory = opts.ContainerResources.MemoryMB * 1024 * 1024
	}
	if opts.ContainerResources.CPUCores > 0 {
		resources.CPUQuota = int64(opts.ContainerResources.CPUCores * 100000)
	}

	uid := currentUID()
	wrapper := backend.CacheChownScript() + "; " + "exec sh -c " + backend.QuoteShellArg(script)

	cfg := &dockercontainer.Config{
		Image:        b.resolveImage(opts),
		Cmd:          []string{"/bin/sh", "-lc", wrapper},
		Env:          env,
		WorkingDir:   backend.WorkdirFor(opts),
		User:         uid,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			managedLabel:        "true",
			"clauderon.session": name,
			"clauderon.agent":   string(opts.Agent),
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Mounts:      mounts,
		ExtraHosts:  []string{b.cfg.HostGateway + ":host-gateway"},
		Resources:   resources,
		NetworkMode: dockercontainer.NetworkMode("bridge"),
	}

	return cfg, hostCfg, nil
}

// Exists reports whether a container for id is present. Per spec.md §4.7,
// substrate-enumeration failure is reported as false, never an error.
func (b *Backend) Exists(ctx context.Context, id string) bool {
	cli, err := b.ensureClient()
	if err != nil {
		return false
	}
	_, err = cli.ContainerInspect(ctx, id)
	return err == nil
}

// Delete stops then removes the container, tolerating already-gone
// resources and suppressing stop errors.
func (b *Backend) Delete(ctx context.Context, id string) error {
	cli, err := b.ensureClient()
	if err != nil {
		return err
	}

	if _, inspectErr := cli.ContainerInspect(ctx, id); inspectErr != nil {
		if dockerclient.IsErrNotFound(inspectErr) {
			return nil
		}
	}

	if stopErr := cli.ContainerStop(ctx, id, dockercontainer.StopOptions{}); stopErr != nil {
		b.log.Debug("ignoring container stop error before removal", zap.String("container_id", id), zap.Error(stopErr))
	}

	if err := cli.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return apperror.Internal("failed to remove container", err)
	}
	return nil
}

// AttachCommand returns the argv to attach stdio to the running container.
func (b *Backend) AttachCommand(_ context.Context, id string) ([]string, error) {
	return []string{"docker", "attach", id}, nil
}

// GetOutput returns id's recent stdout/stderr via the container's logs.
func (b *Backend) GetOutput(ctx context.Context, id string, lines int) (string, error) {
	cli, err := b.ensureClient()
	if err != nil {
		return "", err
	}

	tail := "all"
	if lines > 0 {
		tail = strconv.Itoa(lines)
	}
	reader, err := cli.ContainerLogs(ctx, id, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail})
	if err != nil {
		return "", apperror.Internal("failed to read container logs", err)
	}
	defer reader.Close()

	var out strings.Builder
	if _, err := io.Copy(&out, reader); err != nil {
		return "", apperror.Internal("failed to read container logs", err)
	}
	return out.String(), nil
}

// ListManaged returns every container this backend created, for reconciler
// orphan detection.
func (b *Backend) ListManaged(ctx context.Context) ([]string, error) {
	cli, err := b.ensureClient()
	if err != nil {
		return nil, err
	}
	args := filters.NewArgs()
	args.Add("label", managedLabel+"=true")
	containers, err := cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, apperror.Internal("failed to list containers", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Close releases the underlying Docker client, if one was created.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cli == nil {
		return nil
	}
	err := b.cli.Close()
	b.cli = nil
	b.initialized = false
	return err
}

