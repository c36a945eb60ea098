package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/config"
	"github.com/clauderon/clauderon/internal/session"
)

func testBackend() (*Backend, *fake.Clientset) {
	clientset := fake.NewSimpleClientset()
	b := New(clientset, config.OrchestratorConfig{Namespace: "clauderon"}, Dependencies{
		ProxyCAPath: "/home/user/.clauderon/proxy-ca.pem",
	}, nil)
	return b, clientset
}

func TestEnsurePVCCreatesReadWriteOnceByDefault(t *testing.T) {
	b, clientset := testBackend()
	require.NoError(t, b.ensurePVC(context.Background(), "clauderon-ws-test", "10Gi", false))

	pvc, err := clientset.CoreV1().PersistentVolumeClaims("clauderon").Get(context.Background(), "clauderon-ws-test", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}, pvc.Spec.AccessModes)
}

func TestEnsurePVCIsIdempotent(t *testing.T) {
	b, _ := testBackend()
	require.NoError(t, b.ensurePVC(context.Background(), "clauderon-cache-sccache", "20Gi", true))
	require.NoError(t, b.ensurePVC(context.Background(), "clauderon-cache-sccache", "20Gi", true))
}

func TestBuildPodRunsAsNonRoot(t *testing.T) {
	b, _ := testBackend()
	pod := b.buildPod("sess-1", "exec claude", "", backend.CreateOptions{
		Agent:     session.AgentClaudeCode,
		SessionID: "sess-1",
	})
	require.NotNil(t, pod.Spec.SecurityContext.RunAsUser)
	require.NotZero(t, *pod.Spec.SecurityContext.RunAsUser)
	require.True(t, *pod.Spec.SecurityContext.RunAsNonRoot)
	require.Empty(t, pod.Spec.InitContainers)
}

func TestBuildPodAddsCloneInitContainerWhenRemoteSet(t *testing.T) {
	b, _ := testBackend()
	pod := b.buildPod("sess-1", "exec claude", "git@github.com:example/repo.git", backend.CreateOptions{
		Agent:     session.AgentClaudeCode,
		SessionID: "sess-1",
	})
	require.Len(t, pod.Spec.InitContainers, 1)
	require.Equal(t, initCloneName, pod.Spec.InitContainers[0].Name)
}

func TestBuildEnvVarsIncludesProxySettingsWhenPortSet(t *testing.T) {
	b, _ := testBackend()
	b.cfg.ProxyGatewayMode = "service"
	b.cfg.ProxyServiceName = "clauderon-proxy"
	env := b.buildEnvVars("sess-1", backend.CreateOptions{
		Agent:            session.AgentClaudeCode,
		SessionID:        "sess-1",
		SessionProxyPort: 4100,
	})

	var found bool
	for _, e := range env {
		if e.Name == "HTTP_PROXY" {
			found = true
			require.Contains(t, e.Value, "clauderon-proxy.clauderon.svc.cluster.local")
		}
	}
	require.True(t, found)
}

func TestExistsFalseForUnknownPod(t *testing.T) {
	b, _ := testBackend()
	require.False(t, b.Exists(context.Background(), "clauderon-missing"))
}

func TestDeleteToleratesMissingPod(t *testing.T) {
	b, _ := testBackend()
	require.NoError(t, b.Delete(context.Background(), "clauderon-missing"))
}

func TestAttachCommand(t *testing.T) {
	b, _ := testBackend()
	argv, err := b.AttachCommand(context.Background(), "clauderon-sess-1")
	require.NoError(t, err)
	require.Equal(t, []string{"kubectl", "exec", "-it", "-n", "clauderon", "clauderon-sess-1", "--", "sh"}, argv)
}

func TestListManagedEmptyWhenNoPods(t *testing.T) {
	b, _ := testBackend()
	ids, err := b.ListManaged(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}
