package manager

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// run shells out and discards stdout, surfacing stderr on failure. Every
// backend substrate package uses this same bytes.Buffer-capture idiom for
// its own CLI shell-outs; the manager's prompt-delivery path follows suit
// rather than adding another way to run an external command.
func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// runWithStdin pipes input to argv[0]'s stdin, for delivering a follow-up
// prompt into a running sandbox without shell-quoting it onto the argv line.
func runWithStdin(ctx context.Context, input string, argv ...string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
