package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/corralhq/corral/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for Corral tenants
	DefaultNamespace = "corral"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerStatus is the observed runtime state of a container.
type ContainerStatus string

const (
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
	StatusDead    ContainerStatus = "dead"
	StatusAbsent  ContainerStatus = "absent"
	StatusPending ContainerStatus = "pending"
)

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a tenant container. Labels drive gateway
// discovery; Network names the shared internal network.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Mounts        []Mount
	Network       string
	RestartPolicy string // "always" or "no"
}

// Runtime is the effect interface the orchestrator provisions through.
// All operations are idempotent: Create replaces a leftover container of
// the same name, Remove is a no-op when absent.
type Runtime interface {
	Create(ctx context.Context, spec *ContainerSpec) error
	Remove(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (ContainerStatus, error)
	Logs(ctx context.Context, name string, n int) ([]string, error)
	Exec(ctx context.Context, name string, command []string, stdin string) (string, error)
	Close() error
}

// ContainerdRuntime implements Runtime against a single host's containerd.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logDir    string
}

// NewContainerdRuntime connects to containerd at socketPath. Container
// stdout/stderr land in log files under logDir so Logs can tail them.
func NewContainerdRuntime(socketPath, logDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		logDir:    logDir,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) logPath(name string) string {
	return filepath.Join(r.logDir, name+".log")
}

// Create pulls the image if needed, removes any leftover container of the
// same name, then creates and starts a fresh one.
func (r *ContainerdRuntime) Create(ctx context.Context, spec *ContainerSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
		}
	}

	// Reconcile leftovers from a previous run.
	if err := r.Remove(ctx, spec.Name); err != nil {
		return fmt.Errorf("failed to remove stale container %s: %w", spec.Name, err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithHostname(spec.Name),
	}

	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			options := []string{"rbind"}
			if m.ReadOnly {
				options = append(options, "ro")
			} else {
				options = append(options, "rw")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Target,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if spec.Network != "" {
		labels["corral.network"] = spec.Network
	}
	if spec.RestartPolicy != "" {
		labels["corral.restart-policy"] = spec.RestartPolicy
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(spec.Name)))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// Remove stops and deletes a container. No-op when the container is absent.
func (r *ContainerdRuntime) Remove(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
			log.Warn(fmt.Sprintf("Failed to signal container %s: %v", name, err))
		}

		statusC, err := task.Wait(stopCtx)
		if err == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
					log.Warn(fmt.Sprintf("Failed to force kill container %s: %v", name, err))
				}
			}
		}

		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// Inspect reports the container's runtime status.
func (r *ContainerdRuntime) Inspect(ctx context.Context, name string) (ContainerStatus, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusAbsent, nil
		}
		return StatusDead, fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Container exists but has no task.
		return StatusPending, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return StatusDead, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return StatusRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return StatusExited, nil
		}
		return StatusDead, nil
	default:
		return StatusPending, nil
	}
}

// Logs returns the last n lines of the container's log file.
func (r *ContainerdRuntime) Logs(ctx context.Context, name string, n int) ([]string, error) {
	data, err := os.ReadFile(r.logPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read logs for %s: %w", name, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Exec runs a command inside a running container and returns combined
// output. stdin, when non-empty, is fed to the process.
func (r *ContainerdRuntime) Exec(ctx context.Context, name string, command []string, stdin string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("container %s has no running task: %w", name, err)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read container spec: %w", err)
	}

	pspec := spec.Process
	pspec.Args = command

	execID := fmt.Sprintf("exec-%d", time.Now().UnixNano())
	outPath := filepath.Join(r.logDir, execID+".out")
	defer os.Remove(outPath)

	var creator cio.Creator
	if stdin != "" {
		inPath := filepath.Join(r.logDir, execID+".in")
		if err := os.WriteFile(inPath, []byte(stdin), 0600); err != nil {
			return "", fmt.Errorf("failed to stage exec stdin: %w", err)
		}
		defer os.Remove(inPath)
		creator = cio.NewCreator(cio.WithStreams(mustOpen(inPath), mustCreate(outPath), mustCreate(outPath)))
	} else {
		creator = cio.LogFile(outPath)
	}

	process, err := task.Exec(ctx, execID, pspec, creator)
	if err != nil {
		return "", fmt.Errorf("failed to exec in container %s: %w", name, err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to wait for exec: %w", err)
	}

	if err := process.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start exec: %w", err)
	}

	select {
	case status := <-statusC:
		out, _ := os.ReadFile(outPath)
		if code := status.ExitCode(); code != 0 {
			return string(out), fmt.Errorf("exec exited with code %d", code)
		}
		return string(out), nil
	case <-ctx.Done():
		process.Kill(ctx, syscall.SIGKILL)
		return "", ctx.Err()
	}
}

func mustOpen(path string) *os.File {
	f, _ := os.Open(path)
	return f
}

func mustCreate(path string) *os.File {
	f, _ := os.Create(path)
	return f
}
