// Package applecontainer implements backend.Backend atop Apple's native
// containerization runtime (the "container" CLI), for the macOS substrate.
// There is no Go SDK for it in the pack or the wider ecosystem; its own CLI,
// deliberately docker-CLI-shaped, is the only integration surface — the same
// shell-out idiom the multiplexer backend and the worktree service use for
// their respective external binaries.
package applecontainer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/logging"
)

const substrateName = "apple_container"

// Backend shells out to Apple's "container" binary.
type Backend struct {
	log           *logging.Logger
	bin           string
	hostConfigDir string
	proxyCAPath   string
}

// Dependencies groups host paths the launch assembly needs.
type Dependencies struct {
	HostConfigDir string
	ProxyCAPath   string
}

// New builds an Apple-container backend. bin defaults to "container".
func New(deps Dependencies, log *logging.Logger) *Backend {
	if log == nil {
		log = logging.Default()
	}
	return &Backend{log: log, bin: "container", hostConfigDir: deps.HostConfigDir, proxyCAPath: deps.ProxyCAPath}
}

func containerName(name string) string {
	return "clauderon-" + name
}

func (b *Backend) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, b.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Create runs a detached container via the host CLI.
func (b *Backend) Create(ctx context.Context, name, workdir, prompt string, opts backend.CreateOptions) (string, error) {
	if opts.SessionProxyPort != 0 {
		if _, err := os.Stat(b.proxyCAPath); err != nil {
			return "", apperror.ProxyCAMissing(b.proxyCAPath)
		}
	}

	script, err := backend.BuildAgentWrapperScript(opts, workdir, prompt)
	if err != nil {
		return "", apperror.Internal("failed to build agent launch command", err)
	}

	id := containerName(name)
	imageName := opts.ContainerImage

	args := []string{"run", "-d", "-i", "-t", "--name", id,
		"-v", fmt.Sprintf("%s:%s", workdir, backend.WorkspaceMount),
		"-w", backend.WorkdirFor(opts),
	}
	for _, kv := range backend.BaseEnv(opts) {
		args = append(args, "-e", kv)
	}
	for _, kv := range backend.CacheEnv() {
		args = append(args, "-e", kv)
	}
	for _, m := range backend.CacheMounts() {
		args = append(args, "-v", fmt.Sprintf("%s:%s", m.Source, m.Target))
	}
	for _, kv := range backend.HookEnv(opts) {
		args = append(args, "-e", kv)
	}
	for _, kv := range backend.GitIdentityEnv(backend.ReadGitIdentity(ctx, workdir)) {
		args = append(args, "-e", kv)
	}
	if opts.SessionProxyPort != 0 {
		for _, kv := range backend.ProxyEnv(opts, "192.168.64.1") {
			args = append(args, "-e", kv)
		}
		caMount := backend.ProxyCAMount(b.proxyCAPath)
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", caMount.Source, caMount.Target))
	}
	if b.hostConfigDir != "" {
		for _, m := range backend.ConfigMounts(b.hostConfigDir) {
			args = append(args, "-v", fmt.Sprintf("%s:%s", m.Source, m.Target))
		}
	}
	args = append(args, imageName, "sh", "-c", script)

	if _, stderr, err := b.run(ctx, args...); err != nil {
		return "", apperror.Internal(fmt.Sprintf("failed to run container: %s", strings.TrimSpace(stderr)), err)
	}

	b.log.Info("apple_container backend created sandbox", zap.String("name", name), zap.String("container_id", id))
	return id, nil
}

// Exists reports whether the container is present. Never errors.
func (b *Backend) Exists(ctx context.Context, id string) bool {
	_, _, err := b.run(ctx, "inspect", id)
	return err == nil
}

// Delete stops then removes the container, tolerating one already gone.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if !b.Exists(ctx, id) {
		return nil
	}
	if _, stderr, err := b.run(ctx, "stop", id); err != nil {
		b.log.Debug("ignoring container stop error before removal", zap.String("container_id", id), zap.String("stderr", strings.TrimSpace(stderr)))
	}
	if _, stderr, err := b.run(ctx, "rm", "-f", id); err != nil {
		if strings.Contains(stderr, "no such container") {
			return nil
		}
		return apperror.Internal(fmt.Sprintf("failed to remove container: %s", strings.TrimSpace(stderr)), err)
	}
	return nil
}

// AttachCommand returns the argv to exec an interactive shell into id.
func (b *Backend) AttachCommand(_ context.Context, id string) ([]string, error) {
	return []string{b.bin, "exec", "-i", "-t", id, "sh"}, nil
}

// GetOutput is unsupported on this substrate: Apple's containerization
// runtime offers no log-extraction API, per spec.md §4.7/§8 and DESIGN.md's
// Open Question #2 decision.
func (b *Backend) GetOutput(_ context.Context, _ string, _ int) (string, error) {
	return "", apperror.Unsupported("get_output", substrateName)
}
