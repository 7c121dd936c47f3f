// Package kubernetes implements the runtime backend against a cluster
// orchestrator. Each sandbox is one pod in a dedicated namespace; the
// control-protocol proxy reaches it by pod IP.
package kubernetes

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/cometa-rocks/sandboxd/internal/infrastructure/config"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
	"github.com/cometa-rocks/sandboxd/internal/runtime"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

const (
	containerName = "sandbox"
	pollInterval  = 2 * time.Second
)

// Backend implements runtime.Backend on top of the Kubernetes API.
//
// Pods have no native stop/restart, so the backend remembers each pod's
// manifest: Stop deletes the pod, Restart recreates it from the remembered
// manifest and waits for readiness again.
type Backend struct {
	namespace string
	restCfg   *rest.Config
	clientset kubernetes.Interface
	log       *logging.Logger

	mu        sync.Mutex
	manifests map[string]*corev1.Pod
}

var _ runtime.Backend = (*Backend)(nil)

// New creates a Kubernetes backend using in-cluster configuration, falling
// back to KUBECONFIG for out-of-cluster development.
func New(cfg *config.Config, log *logging.Logger) (*Backend, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: kubernetes config: %v", types.ErrBackendUnavailable, err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: kubernetes clientset: %v", types.ErrBackendUnavailable, err)
	}
	return &Backend{
		namespace: cfg.Runtime.Namespace,
		restCfg:   restCfg,
		clientset: clientset,
		log:       log,
		manifests: make(map[string]*corev1.Pod),
	}, nil
}

func buildRESTConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// Create creates the sandbox pod. A pod that fails to create leaves nothing
// behind; the pod name doubles as the backend service id.
func (b *Backend) Create(ctx context.Context, spec *runtime.SandboxSpec) (runtime.CreateResult, error) {
	pod := buildPod(b.namespace, spec)

	created, err := b.clientset.CoreV1().Pods(b.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return runtime.CreateResult{}, fmt.Errorf("failed to create pod: %w", err)
	}

	b.mu.Lock()
	b.manifests[created.Name] = pod
	b.mu.Unlock()

	b.log.Info("pod created",
		zap.String("pod", created.Name),
		zap.String("image", spec.Image))

	return runtime.CreateResult{
		ServiceID: created.Name,
		Info:      types.BackendInfo{Address: created.Name, Hostname: created.Name},
	}, nil
}

// buildPod translates a sandbox spec into a pod manifest.
func buildPod(namespace string, spec *runtime.SandboxSpec) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	container := corev1.Container{
		Name:  containerName,
		Image: spec.Image,
		Env:   env,
		Ports: []corev1.ContainerPort{{
			ContainerPort: int32(spec.ControlPort),
			Protocol:      corev1.ProtocolTCP,
		}},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{
					Port: intstr.FromInt32(int32(spec.ControlPort)),
				},
			},
			InitialDelaySeconds: 2,
			PeriodSeconds:       2,
			FailureThreshold:    30,
		},
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: memoryQuantity(spec.MemoryBytes),
				corev1.ResourceCPU:    cpuQuantity(spec.NanoCPUs),
			},
		},
	}

	var volumes []corev1.Volume
	if spec.VideoVolume != "" {
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      "video",
			MountPath: "/video",
			SubPath:   spec.VideoSubPath,
		})
		volumes = append(volumes, corev1.Volume{
			Name: "video",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: spec.VideoVolume,
				},
			},
		})
		container.Env = append(container.Env, corev1.EnvVar{Name: "VIDEO_PATH", Value: "/video"})
	}
	if spec.Device != "" {
		// Device passthrough needs a privileged container on this cluster.
		container.SecurityContext = &corev1.SecurityContext{Privileged: boolPtr(true)}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels:    spec.Labels,
		},
		Spec: corev1.PodSpec{
			Containers:    []corev1.Container{container},
			Volumes:       volumes,
			HostAliases:   hostAliases(spec.ExtraHosts),
			RestartPolicy: corev1.RestartPolicyNever,
		},
	}
}

// hostAliases converts "hostname:ip" mappings into pod host aliases, grouping
// hostnames that share an IP.
func hostAliases(extraHosts []string) []corev1.HostAlias {
	byIP := make(map[string][]string)
	order := make([]string, 0, len(extraHosts))
	for _, entry := range extraHosts {
		idx := strings.LastIndex(entry, ":")
		if idx <= 0 || idx == len(entry)-1 {
			continue
		}
		host, ip := entry[:idx], entry[idx+1:]
		if _, seen := byIP[ip]; !seen {
			order = append(order, ip)
		}
		byIP[ip] = append(byIP[ip], host)
	}

	aliases := make([]corev1.HostAlias, 0, len(order))
	for _, ip := range order {
		aliases = append(aliases, corev1.HostAlias{IP: ip, Hostnames: byIP[ip]})
	}
	return aliases
}

// WaitUntilRunning polls the pod until it is running with a ready condition
// or the timeout elapses.
func (b *Backend) WaitUntilRunning(ctx context.Context, serviceID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pod, err := b.clientset.CoreV1().Pods(b.namespace).Get(ctx, serviceID, metav1.GetOptions{})
		if err == nil {
			if pod.Status.Phase == corev1.PodFailed {
				return fmt.Errorf("pod %s failed during startup", serviceID)
			}
			if pod.Status.Phase == corev1.PodRunning && isPodReady(pod) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("%w: pod %s not ready after %s", types.ErrCreationTimeout, serviceID, timeout)
}

func isPodReady(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// Restart deletes the pod and recreates it from the remembered manifest,
// then waits for readiness again. A pod already gone with no remembered
// manifest counts as success.
func (b *Backend) Restart(ctx context.Context, serviceID string) (runtime.OpResult, error) {
	manifest, err := b.manifestFor(ctx, serviceID)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return runtime.OpResult{OK: true, Detail: "pod already gone"}, nil
		}
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to resolve pod manifest: %w", err)
	}

	if err := b.clientset.CoreV1().Pods(b.namespace).Delete(ctx, serviceID, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to delete pod: %w", err)
	}
	if err := b.waitGone(ctx, serviceID); err != nil {
		return runtime.OpResult{OK: false, Detail: err.Error()}, err
	}

	if _, err := b.clientset.CoreV1().Pods(b.namespace).Create(ctx, manifest, metav1.CreateOptions{}); err != nil {
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to recreate pod: %w", err)
	}
	if err := b.WaitUntilRunning(ctx, serviceID, 5*time.Minute); err != nil {
		return runtime.OpResult{OK: false, Detail: err.Error()}, err
	}
	return runtime.OpResult{OK: true}, nil
}

// manifestFor returns the remembered manifest, falling back to the live pod
// stripped of server-populated fields after a process restart.
func (b *Backend) manifestFor(ctx context.Context, serviceID string) (*corev1.Pod, error) {
	b.mu.Lock()
	manifest, ok := b.manifests[serviceID]
	b.mu.Unlock()
	if ok {
		return manifest, nil
	}

	live, err := b.clientset.CoreV1().Pods(b.namespace).Get(ctx, serviceID, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	manifest = &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      live.Name,
			Namespace: live.Namespace,
			Labels:    live.Labels,
		},
		Spec: live.Spec,
	}
	manifest.Spec.NodeName = ""

	b.mu.Lock()
	b.manifests[serviceID] = manifest
	b.mu.Unlock()
	return manifest, nil
}

func (b *Backend) waitGone(ctx context.Context, serviceID string) error {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		_, err := b.clientset.CoreV1().Pods(b.namespace).Get(ctx, serviceID, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("timed out waiting for pod %s to terminate", serviceID)
}

// Stop deletes the pod but keeps the manifest so an explicit restart can
// bring the sandbox back. An absent pod counts as success.
func (b *Backend) Stop(ctx context.Context, serviceID string) (runtime.OpResult, error) {
	err := b.clientset.CoreV1().Pods(b.namespace).Delete(ctx, serviceID, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return runtime.OpResult{OK: true, Detail: "pod already gone"}, nil
		}
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to delete pod: %w", err)
	}
	return runtime.OpResult{OK: true}, nil
}

// Delete removes the pod and forgets its manifest.
func (b *Backend) Delete(ctx context.Context, serviceID string) (runtime.OpResult, error) {
	b.mu.Lock()
	delete(b.manifests, serviceID)
	b.mu.Unlock()

	err := b.clientset.CoreV1().Pods(b.namespace).Delete(ctx, serviceID, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return runtime.OpResult{OK: true, Detail: "pod already gone"}, nil
		}
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to delete pod: %w", err)
	}
	return runtime.OpResult{OK: true}, nil
}

// UploadFile streams the file into /tmp inside the pod via an exec'd tar.
func (b *Backend) UploadFile(ctx context.Context, serviceID, localPath string) (string, error) {
	archive, err := tarFile(localPath)
	if err != nil {
		return "", err
	}

	_, stderr, err := b.exec(ctx, serviceID, []string{"tar", "-xf", "-", "-C", "/tmp"}, archive)
	if err != nil {
		return "", fmt.Errorf("failed to copy file into pod: %s: %w", strings.TrimSpace(stderr), err)
	}
	return "/tmp/" + filepath.Base(localPath), nil
}

// InstallPackage installs a previously uploaded application package via the
// emulator's debug bridge.
func (b *Backend) InstallPackage(ctx context.Context, serviceID, remoteName string) (runtime.OpResult, error) {
	stdout, stderr, err := b.exec(ctx, serviceID, []string{"adb", "install", "-r", remoteName}, nil)
	if err != nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		return runtime.OpResult{OK: false, Detail: fmt.Sprintf("install failed: %s: %v", detail, err)}, nil
	}
	return runtime.OpResult{OK: true}, nil
}

// ResolveInternalAddress returns the pod IP.
func (b *Backend) ResolveInternalAddress(ctx context.Context, serviceID string) (string, error) {
	pod, err := b.clientset.CoreV1().Pods(b.namespace).Get(ctx, serviceID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", fmt.Errorf("%w: pod %s", types.ErrNotFound, serviceID)
		}
		return "", fmt.Errorf("failed to get pod: %w", err)
	}
	if pod.Status.PodIP == "" {
		return "", fmt.Errorf("pod %s has no address yet", serviceID)
	}
	return pod.Status.PodIP, nil
}

// Close releases nothing; the clientset holds no long-lived connections.
func (b *Backend) Close() error {
	return nil
}

// exec runs a command in the sandbox container and returns stdout/stderr.
func (b *Backend) exec(ctx context.Context, podName string, cmd []string, stdin io.Reader) (string, string, error) {
	req := b.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(b.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: containerName,
			Command:   cmd,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(b.restCfg, "POST", req.URL())
	if err != nil {
		return "", "", fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	return stdout.String(), stderr.String(), err
}

// tarFile wraps a single file into a tar stream for the exec'd extraction.
func tarFile(localPath string) (io.Reader, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(localPath),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar: %w", err)
	}
	return &buf, nil
}

func boolPtr(v bool) *bool { return &v }

func cpuQuantity(nanoCPUs int64) resource.Quantity {
	if nanoCPUs == 0 {
		nanoCPUs = 2_000_000_000
	}
	return *resource.NewMilliQuantity(nanoCPUs/1_000_000, resource.DecimalSI)
}

func memoryQuantity(bytes int64) resource.Quantity {
	if bytes == 0 {
		bytes = 2 << 30
	}
	return *resource.NewQuantity(bytes, resource.BinarySI)
}
