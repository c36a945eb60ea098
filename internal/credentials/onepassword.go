package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/clauderon/clauderon/internal/apperror"
)

// runOpRead shells out to `op read <ref>` and returns the trimmed secret
// value. The 1Password CLI is treated as an external dependency rather than
// a Go library: credentials never touch disk or this process's memory any
// longer than necessary, and `op` already handles its own session/biometric
// unlock flow.
func runOpRead(ctx context.Context, opPath, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, opPath, "read", ref)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", apperror.Unavailable(fmt.Sprintf("1password CLI timed out resolving %s", ref))
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", apperror.Internal(fmt.Sprintf("op read %s", ref), fmt.Errorf("%s", msg))
	}

	return strings.TrimSpace(stdout.String()), nil
}
