// Package multiplexer implements backend.Backend atop a terminal multiplexer
// (tmux): each session is a named multiplexer session whose initial command
// is the agent invocation, per spec.md §4.7.
package multiplexer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/logging"
)

const defaultCaptureLines = 200

// Backend shells out to the tmux binary. There is no Go tmux client library
// in the pack or the wider ecosystem worth depending on — tmux's own CLI is
// the only integration surface, matching how the worktree service shells out
// to git.
type Backend struct {
	log *logging.Logger
	bin string
}

// New builds a multiplexer backend. bin defaults to "tmux" on the PATH.
func New(log *logging.Logger) *Backend {
	if log == nil {
		log = logging.Default()
	}
	return &Backend{log: log, bin: "tmux"}
}

func sessionName(name string) string {
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

// Create spawns a named tmux session whose initial command runs the agent
// launch wrapper in workdir.
func (b *Backend) Create(ctx context.Context, name, workdir, prompt string, opts backend.CreateOptions) (string, error) {
	script, err := backend.BuildAgentWrapperScript(opts, workdir, prompt)
	if err != nil {
		return "", apperror.Internal("failed to build agent launch command", err)
	}

	id := sessionName(name)
	args := []string{"new-session", "-d", "-s", id, "-c", workdir}
	for _, kv := range launchEnv(ctx, workdir, opts) {
		args = append(args, "-e", kv)
	}
	args = append(args, "sh", "-c", script)

	if _, stderr, err := b.run(ctx, args...); err != nil {
		return "", apperror.Internal(fmt.Sprintf("failed to create tmux session: %s", strings.TrimSpace(stderr)), err)
	}

	b.log.Info("multiplexer backend created session", zap.String("name", name), zap.String("tmux_session", id))
	return id, nil
}

func launchEnv(ctx context.Context, workdir string, opts backend.CreateOptions) []string {
	env := backend.BaseEnv(opts)
	env = append(env, backend.HookEnv(opts)...)
	env = append(env, backend.GitIdentityEnv(backend.ReadGitIdentity(ctx, workdir))...)
	return env
}

// Exists reports whether the tmux session is still present. Never errors:
// substrate-enumeration failure is reported as false, per spec.md §4.7.
func (b *Backend) Exists(ctx context.Context, id string) bool {
	_, _, err := b.run(ctx, "has-session", "-t", id)
	return err == nil
}

// Delete closes the tmux session, tolerating one already gone.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if !b.Exists(ctx, id) {
		return nil
	}
	if _, stderr, err := b.run(ctx, "kill-session", "-t", id); err != nil {
		if strings.Contains(stderr, "session not found") || strings.Contains(stderr, "can't find session") {
			return nil
		}
		return apperror.Internal(fmt.Sprintf("failed to kill tmux session: %s", strings.TrimSpace(stderr)), err)
	}
	return nil
}

// AttachCommand returns the tmux attach argv.
func (b *Backend) AttachCommand(_ context.Context, id string) ([]string, error) {
	return []string{b.bin, "attach-session", "-t", id}, nil
}

// GetOutput scrapes recent pane content via tmux capture-pane.
func (b *Backend) GetOutput(ctx context.Context, id string, lines int) (string, error) {
	if lines <= 0 {
		lines = defaultCaptureLines
	}
	stdout, stderr, err := b.run(ctx, "capture-pane", "-p", "-t", id, "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", apperror.Internal(fmt.Sprintf("failed to capture tmux pane: %s", strings.TrimSpace(stderr)), err)
	}
	return stdout, nil
}
