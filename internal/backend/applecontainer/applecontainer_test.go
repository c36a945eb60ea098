package applecontainer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/session"
)

func TestGetOutputIsUnsupported(t *testing.T) {
	b := New(Dependencies{}, nil)
	_, err := b.GetOutput(context.Background(), "abc", 10)
	require.Error(t, err)

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperror.CodeUnsupportedOperation, appErr.Code)
}

func TestCreateFailsWhenProxyCAFileMissing(t *testing.T) {
	b := New(Dependencies{ProxyCAPath: "/does/not/exist/proxy-ca.pem"}, nil)

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

func TestAttachCommand(t *testing.T) {
	b := New(Dependencies{}, nil)
	argv, err := b.AttachCommand(context.Background(), "clauderon-x")
	require.NoError(t, err)
	require.Equal(t, []string{"container", "exec", "-i", "-t", "clauderon-x", "sh"}, argv)
}
