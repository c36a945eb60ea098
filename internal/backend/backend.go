// Package backend defines the execution-backend contract every substrate
// (Docker, Kubernetes orchestrator, terminal multiplexer, Apple-native
// container) implements identically, plus the launch-argument assembly
// shared by the container-like substrates.
package backend

import (
	"context"

	"github.com/clauderon/clauderon/internal/session"
)

// PullPolicy controls whether a backend refreshes a container image before
// use.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if-not-present"
	PullNever        PullPolicy = "never"
)

// ContainerResources overrides a backend's default CPU/memory allocation.
type ContainerResources struct {
	CPUCores float64
	MemoryMB int64
}

// CreateOptions is the full parameter set every backend must honor
// identically, per spec.md §4.7.
type CreateOptions struct {
	Agent               session.Agent
	Model               string
	PrintMode           bool
	PlanMode            bool
	SessionProxyPort    int
	Images              []string
	DangerousSkipChecks bool
	SessionID           string
	InitialWorkdir      string
	HTTPPort            int
	ContainerImage      string
	ContainerResources  ContainerResources
	PullPolicy          PullPolicy
}

// Backend is the contract every execution substrate implements: create,
// exists, delete, attach_command, get_output.
type Backend interface {
	// Create launches name's sandbox rooted at workdir running prompt, and
	// returns the substrate-assigned backend id. Failure leaves no state
	// behind — the caller rolls back.
	Create(ctx context.Context, name, workdir, prompt string, opts CreateOptions) (string, error)

	// Exists reports whether id is still present. It never errors: an
	// enumeration failure is reported as false, per spec.md §4.7.
	Exists(ctx context.Context, id string) bool

	// Delete removes id's sandbox. Already-gone resources are tolerated.
	Delete(ctx context.Context, id string) error

	// AttachCommand returns the argv a caller execs to attach stdio to id's
	// running session.
	AttachCommand(ctx context.Context, id string) ([]string, error)

	// GetOutput returns id's best-effort recent output, at most lines long.
	// Substrates without log extraction return apperror.Unsupported.
	GetOutput(ctx context.Context, id string, lines int) (string, error)
}
