// Package orchestrator implements backend.Backend atop a Kubernetes cluster:
// each session is a pod, with an init container cloning the session's git
// remote into a per-session PVC and a main container running the agent
// wrapper script, per spec.md §4.7.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/backend"
	"github.com/clauderon/clauderon/internal/config"
	"github.com/clauderon/clauderon/internal/logging"
)

const (
	managedLabel = "clauderon.io/managed"
	sessionLabel = "clauderon.io/session"

	containerName     = "agent"
	initCloneName     = "clone"
	initCloneImage    = "alpine/git:2.45.2"
	agentUID          = int64(1000)
	agentGID          = int64(1000)
	cacheVolumeSize   = "20Gi"
	workspaceVolume   = "workspace"
	cargoRegistryVol  = "cargo-registry"
	cargoGitVol       = "cargo-git"
	sccacheVol        = "sccache"
	caVolume          = "proxy-ca"
	claudeConfigVol   = "claude-config"
	defaultPodTimeout = 2 * time.Minute
)

var cacheClaimNames = map[string]string{
	cargoRegistryVol: "clauderon-cache-cargo-registry",
	cargoGitVol:      "clauderon-cache-cargo-git",
	sccacheVol:       "clauderon-cache-sccache",
}

// Backend launches one sandbox pod per session against a Kubernetes cluster.
type Backend struct {
	clientset kubernetes.Interface
	cfg       config.OrchestratorConfig
	log       *logging.Logger

	proxyCAPath  string
	codexAuthDir string
}

// Dependencies groups the host paths the launch-argument assembly needs.
type Dependencies struct {
	ProxyCAPath  string
	CodexAuthDir string
}

// New builds an orchestrator backend around an already-constructed clientset,
// so tests can supply a fake one.
func New(clientset kubernetes.Interface, cfg config.OrchestratorConfig, deps Dependencies, log *logging.Logger) *Backend {
	if log == nil {
		log = logging.Default()
	}
	return &Backend{
		clientset:    clientset,
		cfg:          cfg,
		log:          log,
		proxyCAPath:  deps.ProxyCAPath,
		codexAuthDir: deps.CodexAuthDir,
	}
}

// NewFromKubeconfig builds the clientset from cfg.Kubeconfig, falling back to
// in-cluster config when it is unset.
func NewFromKubeconfig(cfg config.OrchestratorConfig, deps Dependencies, log *logging.Logger) (*Backend, error) {
	restCfg, err := loadRestConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, apperror.Internal("failed to load kubernetes config", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, apperror.Internal("failed to build kubernetes client", err)
	}
	return New(clientset, cfg, deps, log), nil
}

func loadRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if inCluster, err := rest.InClusterConfig(); err == nil {
			return inCluster, nil
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func podName(name string) string {
	return "clauderon-" + name
}

func workspaceClaimName(name string) string {
	return podName(name) + "-workspace"
}

// Create ensures the shared cache PVCs and a per-session workspace PVC exist,
// materializes the agent onboarding config map (when a session proxy port is
// set), and creates the session's pod. The proxy CA is not placed in a config
// map or mounted into the pod.
func (b *Backend) Create(ctx context.Context, name, workdir, prompt string, opts backend.CreateOptions) (string, error) {
	if opts.SessionProxyPort != 0 && b.proxyCAPath == "" {
		return "", apperror.ProxyCAMissing("")
	}

	if err := b.ensureCachePVCs(ctx); err != nil {
		return "", apperror.Internal("failed to ensure shared cache volumes", err)
	}
	if err := b.ensureWorkspacePVC(ctx, name); err != nil {
		return "", apperror.Internal("failed to ensure workspace volume", err)
	}
	if err := b.ensureConfigMaps(ctx, name, opts); err != nil {
		return "", apperror.Internal("failed to materialize config maps", err)
	}

	script, err := backend.BuildAgentWrapperScript(opts, backend.WorkspaceMount, prompt)
	if err != nil {
		return "", apperror.Internal("failed to build agent launch command", err)
	}

	remote, err := gitRemoteURL(ctx, workdir)
	if err != nil {
		return "", apperror.Internal("failed to resolve git remote for workdir", err)
	}

	pod := b.buildPod(name, script, remote, opts)
	created, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", apperror.Internal("failed to create pod", err)
	}

	if err := b.waitForRunning(ctx, created.Name); err != nil {
		return "", apperror.Internal(fmt.Sprintf("pod %s did not reach Running", created.Name), err)
	}

	b.log.Info("orchestrator backend created sandbox", zap.String("name", name), zap.String("pod", created.Name))
	return created.Name, nil
}

// gitRemoteURL shells out to git in workdir, since the repository the session
// is attached to always lives on the daemon host regardless of which
// substrate ends up running the sandbox.
func gitRemoteURL(ctx context.Context, workdir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", workdir, "remote", "get-url", "origin")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git remote get-url origin: %s", strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (b *Backend) ensureCachePVCs(ctx context.Context) error {
	for volName, claimName := range cacheClaimNames {
		if err := b.ensurePVC(ctx, claimName, cacheVolumeSize, true); err != nil {
			return fmt.Errorf("%s: %w", volName, err)
		}
	}
	return nil
}

func (b *Backend) ensureWorkspacePVC(ctx context.Context, name string) error {
	return b.ensurePVC(ctx, workspaceClaimName(name), "10Gi", false)
}

// ensurePVC creates a PVC, tolerating one that already exists. When shared is
// true it first tries ReadWriteMany and falls back to ReadWriteOnce if the
// storage class rejects it, since not every cluster's default class supports
// multi-attach volumes.
func (b *Backend) ensurePVC(ctx context.Context, claimName, size string, shared bool) error {
	accessMode := corev1.ReadWriteOnce
	if shared {
		accessMode = corev1.ReadWriteMany
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName,
			Namespace: b.cfg.Namespace,
			Labels:    map[string]string{managedLabel: "true"},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{accessMode},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: resource.MustParse(size)},
			},
		},
	}
	if b.cfg.StorageClass != "" {
		pvc.Spec.StorageClassName = &b.cfg.StorageClass
	}

	_, err := b.clientset.CoreV1().PersistentVolumeClaims(b.cfg.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil && shared {
		b.log.Warn("storage class rejected ReadWriteMany, retrying ReadWriteOnce",
			zap.String("pvc", claimName), zap.Error(err))
		pvc.Spec.AccessModes = []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}
		_, err = b.clientset.CoreV1().PersistentVolumeClaims(b.cfg.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
	}
	return err
}

func configMapName(name, suffix string) string {
	return podName(name) + "-" + suffix
}

// ensureConfigMaps materializes the ClaudeCode onboarding marker and the
// managed-settings document as one config map, so the pod manifest can mount
// them read-only rather than baking them into the image. The proxy CA bundle
// is not included.
func (b *Backend) ensureConfigMaps(ctx context.Context, name string, opts backend.CreateOptions) error {
	if opts.SessionProxyPort == 0 {
		return nil
	}

	claudeJSON, err := backend.BuildClaudeJSON(opts.DangerousSkipChecks)
	if err != nil {
		return err
	}
	managedSettings, err := backend.BuildManagedSettingsJSON()
	if err != nil {
		return err
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName(name, "claude-config"),
			Namespace: b.cfg.Namespace,
			Labels:    map[string]string{managedLabel: "true", sessionLabel: name},
		},
		Data: map[string]string{
			"claude.json":           string(claudeJSON),
			"managed-settings.json": string(managedSettings),
		},
	}
	_, err = b.clientset.CoreV1().ConfigMaps(b.cfg.Namespace).Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// buildPod assembles the pod manifest: an optional init container that
// clones remote into the workspace PVC, and the agent container running
// script against the shared caches, proxy settings, and onboarding config.
func (b *Backend) buildPod(name, script, remote string, opts backend.CreateOptions) *corev1.Pod {
	var initContainers []corev1.Container
	if remote != "" {
		initContainers = append(initContainers, b.buildCloneContainer(remote))
	}

	podSpec := corev1.PodSpec{
		InitContainers: initContainers,
		Containers:     []corev1.Container{b.buildAgentContainer(name, script, opts)},
		Volumes:        b.buildVolumes(name),
		RestartPolicy:  corev1.RestartPolicyNever,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsUser:    ptrInt64(agentUID),
			RunAsGroup:   ptrInt64(agentGID),
			RunAsNonRoot: ptrBool(true),
			FSGroup:      ptrInt64(agentGID),
		},
		TerminationGracePeriodSeconds: ptrInt64(30),
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(name),
			Namespace: b.cfg.Namespace,
			Labels:    map[string]string{managedLabel: "true", sessionLabel: name},
		},
		Spec: podSpec,
	}
}

func (b *Backend) buildCloneContainer(remote string) corev1.Container {
	script := fmt.Sprintf(`set -e
WORK_DIR=%s
if [ -d "$WORK_DIR/.git" ]; then
  cd "$WORK_DIR"
  git fetch --all --prune
else
  mkdir -p "$WORK_DIR"
  git clone %s "$WORK_DIR"
  cd "$WORK_DIR"
fi
chown -R %d:%d "$WORK_DIR"
`, backend.WorkspaceMount, backend.QuoteShellArg(remote), agentUID, agentGID)

	return corev1.Container{
		Name:            initCloneName,
		Image:           initCloneImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         []string{"/bin/sh", "-c", script},
		SecurityContext: &corev1.SecurityContext{
			RunAsUser:    ptrInt64(0),
			RunAsNonRoot: ptrBool(false),
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: workspaceVolume, MountPath: backend.WorkspaceMount},
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("128Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("500m"),
				corev1.ResourceMemory: resource.MustParse("512Mi"),
			},
		},
	}
}

func (b *Backend) buildAgentContainer(name, script string, opts backend.CreateOptions) corev1.Container {
	env := b.buildEnvVars(name, opts)

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("1"),
			corev1.ResourceMemory: resource.MustParse("1Gi"),
		},
	}
	if opts.ContainerResources.CPUCores > 0 {
		resources.Limits = corev1.ResourceList{
			corev1.ResourceCPU: resource.MustParse(fmt.Sprintf("%.2f", opts.ContainerResources.CPUCores)),
		}
	}
	if opts.ContainerResources.MemoryMB > 0 {
		if resources.Limits == nil {
			resources.Limits = corev1.ResourceList{}
		}
		resources.Limits[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", opts.ContainerResources.MemoryMB))
	}

	wrapper := backend.CacheChownScript() + "; " + "exec sh -c " + backend.QuoteShellArg(script)

	return corev1.Container{
		Name:            containerName,
		Image:           opts.ContainerImage,
		ImagePullPolicy: pullPolicyFor(opts),
		Command:         []string{"/bin/sh", "-lc", wrapper},
		WorkingDir:      backend.WorkdirFor(opts),
		Env:             env,
		VolumeMounts:    b.buildVolumeMounts(opts),
		Resources:       resources,
	}
}

func pullPolicyFor(opts backend.CreateOptions) corev1.PullPolicy {
	switch backend.EffectivePullPolicy(opts.PullPolicy) {
	case backend.PullAlways:
		return corev1.PullAlways
	case backend.PullNever:
		return corev1.PullNever
	default:
		return corev1.PullIfNotPresent
	}
}

func (b *Backend) buildEnvVars(name string, opts backend.CreateOptions) []corev1.EnvVar {
	var env []corev1.EnvVar
	for _, kv := range backend.BaseEnv(opts) {
		env = append(env, envVarFromKV(kv))
	}
	for _, kv := range backend.CacheEnv() {
		env = append(env, envVarFromKV(kv))
	}
	for _, kv := range backend.HookEnv(opts) {
		env = append(env, envVarFromKV(kv))
	}

	if opts.SessionProxyPort != 0 {
		gateway := b.cfg.ProxyGatewayIP
		if b.cfg.ProxyGatewayMode == "service" {
			gateway = fmt.Sprintf("%s.%s.svc.cluster.local", b.cfg.ProxyServiceName, b.cfg.Namespace)
		}
		for _, kv := range backend.ProxyEnv(opts, gateway) {
			env = append(env, envVarFromKV(kv))
		}
	}

	return env
}

func envVarFromKV(kv string) corev1.EnvVar {
	k, v, _ := strings.Cut(kv, "=")
	return corev1.EnvVar{Name: k, Value: v}
}

func (b *Backend) buildVolumes(name string) []corev1.Volume {
	volumes := []corev1.Volume{
		{
			Name: workspaceVolume,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: workspaceClaimName(name)},
			},
		},
	}
	for volName, claimName := range cacheClaimNames {
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claimName},
			},
		})
	}
	volumes = append(volumes, corev1.Volume{
		Name: claudeConfigVol,
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: configMapName(name, "claude-config")},
			},
		},
	})
	return volumes
}

func (b *Backend) buildVolumeMounts(opts backend.CreateOptions) []corev1.VolumeMount {
	mounts := []corev1.VolumeMount{
		{Name: workspaceVolume, MountPath: backend.WorkspaceMount},
		{Name: cargoRegistryVol, MountPath: backend.WorkspaceMount + "/.cargo/registry"},
		{Name: cargoGitVol, MountPath: backend.WorkspaceMount + "/.cargo/git"},
		{Name: sccacheVol, MountPath: backend.WorkspaceMount + "/.cache/sccache"},
	}
	if opts.SessionProxyPort != 0 {
		mounts = append(mounts,
			corev1.VolumeMount{Name: claudeConfigVol, MountPath: "/etc/clauderon/claude-config", ReadOnly: true},
		)
	}
	return mounts
}

// waitForRunning polls the pod until it is Running or cfg.PodReadyTimeout
// elapses, folding the last-seen status and container state into the error
// so a caller can see why scheduling stalled.
func (b *Backend) waitForRunning(ctx context.Context, name string) error {
	timeout := defaultPodTimeout
	if b.cfg.PodReadyTimeout > 0 {
		timeout = time.Duration(b.cfg.PodReadyTimeout) * time.Second
	}

	deadline := time.Now().Add(timeout)
	var lastPhase corev1.PodPhase
	var lastReason string
	for time.Now().Before(deadline) {
		pod, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		lastPhase = pod.Status.Phase
		if pod.Status.Phase == corev1.PodRunning {
			return nil
		}
		if pod.Status.Phase == corev1.PodFailed {
			return fmt.Errorf("pod failed: %s", pod.Status.Reason)
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil {
				lastReason = cs.State.Waiting.Reason
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("timed out waiting for pod to become Running, last phase=%s reason=%s", lastPhase, lastReason)
}

// Exists reports whether the pod is present. Substrate-enumeration failure
// is reported as false, never an error, per spec.md §4.7.
func (b *Backend) Exists(ctx context.Context, id string) bool {
	_, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Get(ctx, id, metav1.GetOptions{})
	return err == nil
}

// Delete removes the pod and its per-session workspace PVC, tolerating both
// already being gone. Shared cache PVCs outlive any one session.
func (b *Backend) Delete(ctx context.Context, id string) error {
	err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Delete(ctx, id, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return apperror.Internal("failed to delete pod", err)
	}

	name := strings.TrimPrefix(id, "clauderon-")
	claimErr := b.clientset.CoreV1().PersistentVolumeClaims(b.cfg.Namespace).Delete(ctx, workspaceClaimName(name), metav1.DeleteOptions{})
	if claimErr != nil && !apierrors.IsNotFound(claimErr) {
		return apperror.Internal("failed to delete workspace volume", claimErr)
	}
	return nil
}

// AttachCommand returns the argv to exec an interactive shell into the pod.
func (b *Backend) AttachCommand(_ context.Context, id string) ([]string, error) {
	return []string{"kubectl", "exec", "-it", "-n", b.cfg.Namespace, id, "--", "sh"}, nil
}

// GetOutput returns id's recent container log lines.
func (b *Backend) GetOutput(ctx context.Context, id string, lines int) (string, error) {
	opts := &corev1.PodLogOptions{Container: containerName}
	if lines > 0 {
		tail := int64(lines)
		opts.TailLines = &tail
	}

	req := b.clientset.CoreV1().Pods(b.cfg.Namespace).GetLogs(id, opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", apperror.Internal("failed to read pod logs", err)
	}
	defer stream.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(stream); err != nil {
		return "", apperror.Internal("failed to read pod logs", err)
	}
	return out.String(), nil
}

// ListManaged returns every pod this backend created, for reconciler orphan
// detection.
func (b *Backend) ListManaged(ctx context.Context) ([]string, error) {
	list, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedLabel + "=true",
	})
	if err != nil {
		return nil, apperror.Internal("failed to list pods", err)
	}
	ids := make([]string, 0, len(list.Items))
	for _, p := range list.Items {
		ids = append(ids, p.Name)
	}
	return ids, nil
}

func ptrInt64(v int64) *int64 { return &v }
func ptrBool(v bool) *bool    { return &v }
