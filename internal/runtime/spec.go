package runtime

import (
	"fmt"
	"path"

	"github.com/cometa-rocks/sandboxd/internal/infrastructure/config"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

// SandboxSpec is the declarative input to Backend.Create. It is built once
// per allocation by the SpecBuilder and carries everything a backend needs:
// image, identity labels, deployment policy, and the video-capture mount.
type SandboxSpec struct {
	Name        string
	Image       string
	Kind        types.Kind
	Env         map[string]string
	Labels      map[string]string
	ExtraHosts  []string
	MemoryBytes int64
	NanoCPUs    int64
	ShmBytes    int64

	// VideoVolume is the shared capture volume; VideoSubPath is this
	// sandbox's private sub-directory inside it.
	VideoVolume  string
	VideoSubPath string

	ControlPort int
	NetworkName string

	// Device is a host device passed through to the sandbox, set only for
	// emulators (hardware acceleration).
	Device string
}

// SpecBuilder translates a logical sandbox request plus deployment-wide
// policy into the declarative spec a backend consumes.
type SpecBuilder struct {
	runtime config.RuntimeConfig
	policy  config.Policy
}

// NewSpecBuilder creates a builder bound to the given configuration.
func NewSpecBuilder(cfg *config.Config) *SpecBuilder {
	return &SpecBuilder{runtime: cfg.Runtime, policy: cfg.Policy}
}

// Build produces the spec for one sandbox. For browsers the image is derived
// from the (name, version) pair; for emulators the caller passes the image
// resolved from the catalog.
func (b *SpecBuilder) Build(recordID string, kind types.Kind, ref types.ImageRef, resolvedImage string, labels map[string]string) *SandboxSpec {
	spec := &SandboxSpec{
		Name:        "sandbox-" + recordID,
		Kind:        kind,
		Env:         map[string]string{"SCREEN_WIDTH": "1920", "SCREEN_HEIGHT": "1080"},
		Labels:      map[string]string{"managed-by": "sandboxd", "sandbox-id": recordID},
		MemoryBytes: b.policy.MemoryBytes,
		NanoCPUs:    b.policy.NanoCPUs,
		ShmBytes:    b.policy.ShmBytes,
		ControlPort: b.runtime.ControlPort,
		NetworkName: b.runtime.NetworkName,
	}

	switch kind {
	case types.KindBrowser:
		spec.Image = BrowserImage(ref)
	case types.KindEmulator:
		spec.Image = resolvedImage
		spec.Device = b.runtime.EmulatorDevice
	}

	for k, v := range labels {
		spec.Labels["label."+k] = v
	}
	for _, h := range b.policy.ExtraHosts {
		spec.ExtraHosts = append(spec.ExtraHosts, fmt.Sprintf("%s:%s", h.Hostname, h.IP))
	}
	if b.runtime.VideoVolume != "" {
		spec.VideoVolume = b.runtime.VideoVolume
		spec.VideoSubPath = path.Join("videos", recordID)
	}

	return spec
}

// BrowserImage maps a browser (name, version) pair onto its image tag.
func BrowserImage(ref types.ImageRef) string {
	return fmt.Sprintf("cometa/%s:%s", ref.Browser, ref.Version)
}
