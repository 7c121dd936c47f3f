// Package docker implements the runtime backend against a local container
// engine. Containers join a user-defined network so the control-protocol
// proxy can reach them by address without published ports.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
	"github.com/cometa-rocks/sandboxd/internal/runtime"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

const (
	pollInterval = 2 * time.Second
	stopTimeout  = 10
)

// Backend implements runtime.Backend using the Docker Engine API.
type Backend struct {
	cli *client.Client
	log *logging.Logger
}

var _ runtime.Backend = (*Backend)(nil)

// New creates a Docker backend and verifies the daemon is reachable.
func New(log *logging.Logger) (*Backend, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: docker daemon unreachable: %v", types.ErrBackendUnavailable, err)
	}

	return &Backend{cli: cli, log: log}, nil
}

// Create builds and starts a container from the spec. A container that was
// created but failed to start is force-removed before the error is returned,
// so no resource invisible to Delete is left behind.
func (b *Backend) Create(ctx context.Context, spec *runtime.SandboxSpec) (runtime.CreateResult, error) {
	containerConfig := &container.Config{
		Image:    spec.Image,
		Hostname: spec.Name,
		Labels:   spec.Labels,
	}
	for k, v := range spec.Env {
		containerConfig.Env = append(containerConfig.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkName),
		ExtraHosts:  spec.ExtraHosts,
		ShmSize:     spec.ShmBytes,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.VideoVolume != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.VideoVolume,
			Target: "/video",
		}}
		containerConfig.Env = append(containerConfig.Env, "VIDEO_PATH=/video/"+spec.VideoSubPath)
	}
	if spec.Device != "" {
		hostConfig.Resources.Devices = []container.DeviceMapping{{
			PathOnHost:        spec.Device,
			PathInContainer:   spec.Device,
			CgroupPermissions: "rwm",
		}}
	}

	resp, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		// Pull the image and retry once when it is missing locally.
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "No such image") {
			if pullErr := b.pullImage(spec.Image); pullErr != nil {
				return runtime.CreateResult{}, fmt.Errorf("failed to pull image %s: %w", spec.Image, pullErr)
			}
			resp, err = b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
		}
		if err != nil {
			return runtime.CreateResult{}, fmt.Errorf("failed to create container: %w", err)
		}
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return runtime.CreateResult{}, fmt.Errorf("failed to start container: %w", err)
	}

	info := types.BackendInfo{Address: spec.Name, Hostname: spec.Name}
	if addr, err := b.ResolveInternalAddress(ctx, resp.ID); err == nil {
		info.Address = addr
	}

	b.log.Info("container started",
		zap.String("container_id", resp.ID),
		zap.String("image", spec.Image))

	return runtime.CreateResult{ServiceID: resp.ID, Info: info}, nil
}

// pullImage pulls an image tag with a background context so the pull is not
// cut short by the caller's request deadline.
func (b *Backend) pullImage(image string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	reader, err := b.cli.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Drain the progress stream so the pull actually completes.
	_, err = io.Copy(io.Discard, reader)
	return err
}

// WaitUntilRunning polls container state until it is running (and healthy,
// when the image defines a healthcheck) or the timeout elapses.
func (b *Backend) WaitUntilRunning(ctx context.Context, serviceID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		insp, err := b.cli.ContainerInspect(ctx, serviceID)
		if err != nil {
			return fmt.Errorf("failed to inspect container: %w", err)
		}
		if insp.State.Dead || insp.State.OOMKilled || insp.State.Status == "exited" {
			return fmt.Errorf("container %s exited during startup", serviceID)
		}
		if insp.State.Running {
			if insp.State.Health == nil || insp.State.Health.Status == "healthy" {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("%w: container %s not ready after %s", types.ErrCreationTimeout, serviceID, timeout)
}

// Restart restarts the container. A container the engine already reaped
// counts as success.
func (b *Backend) Restart(ctx context.Context, serviceID string) (runtime.OpResult, error) {
	timeout := stopTimeout
	err := b.cli.ContainerRestart(ctx, serviceID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if isGone(err) {
			return runtime.OpResult{OK: true, Detail: "container already gone"}, nil
		}
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to restart container: %w", err)
	}
	return runtime.OpResult{OK: true}, nil
}

// Stop stops the container; already-stopped and already-removed both count
// as success.
func (b *Backend) Stop(ctx context.Context, serviceID string) (runtime.OpResult, error) {
	timeout := stopTimeout
	err := b.cli.ContainerStop(ctx, serviceID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if isGone(err) {
			return runtime.OpResult{OK: true, Detail: "container already gone"}, nil
		}
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to stop container: %w", err)
	}
	return runtime.OpResult{OK: true}, nil
}

// Delete force-removes the container and its anonymous volumes.
func (b *Backend) Delete(ctx context.Context, serviceID string) (runtime.OpResult, error) {
	err := b.cli.ContainerRemove(ctx, serviceID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if isGone(err) {
			return runtime.OpResult{OK: true, Detail: "container already gone"}, nil
		}
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to remove container: %w", err)
	}
	return runtime.OpResult{OK: true}, nil
}

// UploadFile copies a local file into /tmp inside the container and returns
// the remote path.
func (b *Backend) UploadFile(ctx context.Context, serviceID, localPath string) (string, error) {
	archive, err := tarFile(localPath)
	if err != nil {
		return "", err
	}

	if err := b.cli.CopyToContainer(ctx, serviceID, "/tmp", archive, container.CopyToContainerOptions{}); err != nil {
		return "", fmt.Errorf("failed to copy file into container: %w", err)
	}
	return "/tmp/" + filepath.Base(localPath), nil
}

// InstallPackage installs a previously uploaded application package via the
// emulator's debug bridge.
func (b *Backend) InstallPackage(ctx context.Context, serviceID, remoteName string) (runtime.OpResult, error) {
	execResp, err := b.cli.ContainerExecCreate(ctx, serviceID, container.ExecOptions{
		Cmd:          []string{"adb", "install", "-r", remoteName},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to read exec output: %w", err)
	}

	insp, err := b.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return runtime.OpResult{OK: false, Detail: err.Error()}, fmt.Errorf("failed to inspect exec: %w", err)
	}
	if insp.ExitCode != 0 {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return runtime.OpResult{OK: false, Detail: fmt.Sprintf("install exited %d: %s", insp.ExitCode, detail)}, nil
	}
	return runtime.OpResult{OK: true}, nil
}

// ResolveInternalAddress returns the container's IP on the sandbox network.
func (b *Backend) ResolveInternalAddress(ctx context.Context, serviceID string) (string, error) {
	insp, err := b.cli.ContainerInspect(ctx, serviceID)
	if err != nil {
		if isGone(err) {
			return "", fmt.Errorf("%w: container %s", types.ErrNotFound, serviceID)
		}
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}

	for _, net := range insp.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no network address", serviceID)
}

// Close closes the engine client.
func (b *Backend) Close() error {
	return b.cli.Close()
}

// isGone reports whether the error means the container no longer exists or
// is no longer running, which teardown paths treat as success.
func isGone(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.IsNotFound(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "No such container") ||
		strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "already in progress")
}

// tarFile wraps a single file into the tar stream CopyToContainer expects.
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
