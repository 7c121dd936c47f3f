package kubernetes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	rt "github.com/cometa-rocks/sandboxd/internal/runtime"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

func browserSpec() *rt.SandboxSpec {
	return &rt.SandboxSpec{
		Name:        "sandbox-rec-1",
		Image:       "cometa/chrome:120.0",
		Kind:        types.KindBrowser,
		Env:         map[string]string{"SCREEN_WIDTH": "1920"},
		Labels:      map[string]string{"managed-by": "sandboxd"},
		ExtraHosts:  []string{"api.internal:10.0.0.5", "cdn.internal:10.0.0.5", "db.internal:10.0.0.9"},
		MemoryBytes: 2 << 30,
		NanoCPUs:    1_500_000_000,
		ControlPort: 4444,
	}
}

func TestBuildPodBasics(t *testing.T) {
	pod := buildPod("cometa", browserSpec())

	assert.Equal(t, "sandbox-rec-1", pod.Name)
	assert.Equal(t, "cometa", pod.Namespace)
	assert.Equal(t, "sandboxd", pod.Labels["managed-by"])
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "cometa/chrome:120.0", c.Image)
	require.Len(t, c.Ports, 1)
	assert.Equal(t, int32(4444), c.Ports[0].ContainerPort)
	require.NotNil(t, c.ReadinessProbe)
	assert.Equal(t, int32(4444), c.ReadinessProbe.TCPSocket.Port.IntVal)
}

func TestBuildPodResources(t *testing.T) {
	pod := buildPod("cometa", browserSpec())

	limits := pod.Spec.Containers[0].Resources.Limits
	mem := limits[corev1.ResourceMemory]
	cpu := limits[corev1.ResourceCPU]
	assert.Equal(t, int64(2<<30), mem.Value())
	assert.Equal(t, int64(1500), cpu.MilliValue())
}

func TestBuildPodHostAliasesGroupedByIP(t *testing.T) {
	pod := buildPod("cometa", browserSpec())

	require.Len(t, pod.Spec.HostAliases, 2)
	assert.Equal(t, "10.0.0.5", pod.Spec.HostAliases[0].IP)
	assert.Equal(t, []string{"api.internal", "cdn.internal"}, pod.Spec.HostAliases[0].Hostnames)
	assert.Equal(t, "10.0.0.9", pod.Spec.HostAliases[1].IP)
}

func TestBuildPodVideoVolume(t *testing.T) {
	spec := browserSpec()
	spec.VideoVolume = "video-claim"
	spec.VideoSubPath = "videos/rec-1"

	pod := buildPod("cometa", spec)

	require.Len(t, pod.Spec.Volumes, 1)
	assert.Equal(t, "video-claim", pod.Spec.Volumes[0].PersistentVolumeClaim.ClaimName)
	mounts := pod.Spec.Containers[0].VolumeMounts
	require.Len(t, mounts, 1)
	assert.Equal(t, "/video", mounts[0].MountPath)
	assert.Equal(t, "videos/rec-1", mounts[0].SubPath)
}

func TestBuildPodEmulatorPrivileged(t *testing.T) {
	spec := browserSpec()
	spec.Kind = types.KindEmulator
	spec.Device = "/dev/kvm"

	pod := buildPod("cometa", spec)

	sc := pod.Spec.Containers[0].SecurityContext
	require.NotNil(t, sc)
	require.NotNil(t, sc.Privileged)
	assert.True(t, *sc.Privileged)
}

func TestHostAliasesSkipsMalformedEntries(t *testing.T) {
	aliases := hostAliases([]string{"no-colon", ":10.0.0.1", "host:", "ok.internal:10.0.0.2"})

	require.Len(t, aliases, 1)
	assert.Equal(t, "10.0.0.2", aliases[0].IP)
	assert.Equal(t, []string{"ok.internal"}, aliases[0].Hostnames)
}
