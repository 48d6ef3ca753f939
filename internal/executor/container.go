package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// ContainerExecutor runs the trial's harness inside a Docker container,
// grounded on internal/dispatch/docker.go: bind-mount the fixed trial
// files read-only, bind-mount the trial's working directory, and
// translate the sandbox policy into container.HostConfig fields.
type ContainerExecutor struct {
	mu          sync.Mutex
	cli         *client.Client
	spec        Spec
	containerID string
}

// NewContainerExecutor connects to the local Docker daemon via the
// environment (DOCKER_HOST etc.), negotiating the API version so the
// client works against whatever daemon version is actually running.
func NewContainerExecutor() (*ContainerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("executor: connect docker: %w", err)
	}
	return &ContainerExecutor{cli: cli}, nil
}

func (c *ContainerExecutor) Prepare(ctx context.Context, spec Spec) error {
	c.spec = spec
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return fmt.Errorf("executor: create work dir %s: %w", spec.WorkDir, err)
	}
	return nil
}

func (c *ContainerExecutor) Launch(ctx context.Context) error {
	s := c.spec
	name := fmt.Sprintf("agentlab-trial-%s", sanitizeContainerName(s.TrialID))

	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:      s.Image,
		Cmd:        s.AgentCommand,
		WorkingDir: "/workspace",
		Env:        env,
	}
	if s.Sandbox.NonRootUser {
		cfg.User = "1000:1000"
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: s.InputPath, Target: "/trial/trial_input.json", ReadOnly: true},
			{Type: mount.TypeBind, Source: s.ControlPath, Target: "/trial/trial_control.json", ReadOnly: true},
			{Type: mount.TypeBind, Source: s.WorkDir, Target: "/workspace"},
		},
		ReadonlyRootfs: s.Sandbox.ReadOnlyRoot,
		AutoRemove:     false,
	}
	if len(s.Sandbox.DropCapabilities) > 0 {
		hostCfg.CapDrop = s.Sandbox.DropCapabilities
	}
	if s.Sandbox.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges")
	}
	if s.Sandbox.MemoryLimitMB > 0 {
		hostCfg.Resources.Memory = s.Sandbox.MemoryLimitMB * 1024 * 1024
	}
	if s.Sandbox.CPULimit > 0 {
		hostCfg.Resources.NanoCPUs = int64(s.Sandbox.CPULimit * 1e9)
	}
	switch s.Sandbox.NetworkMode {
	case "none", "":
		hostCfg.NetworkMode = "none"
	case "full":
		hostCfg.NetworkMode = "bridge"
	case "allowlist_enforced":
		hostCfg.NetworkMode = "bridge" // enforcement is the caller's egress-proxy responsibility
	default:
		hostCfg.NetworkMode = container.NetworkMode(s.Sandbox.NetworkMode)
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return labrerr.Wrap(labrerr.TrialFailed, fmt.Sprintf("create container for trial %s", s.TrialID), err)
	}

	c.mu.Lock()
	c.containerID = resp.ID
	c.mu.Unlock()

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return labrerr.Wrap(labrerr.TrialFailed, fmt.Sprintf("start container for trial %s", s.TrialID), err)
	}
	return nil
}

func (c *ContainerExecutor) Await(ctx context.Context) (Result, error) {
	c.mu.Lock()
	id := c.containerID
	c.mu.Unlock()
	if id == "" {
		return Result{}, fmt.Errorf("executor: await called before launch")
	}

	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("executor: wait container %s: %w", id, err)
		}
	case st := <-statusCh:
		status := StatusSucceeded
		if st.StatusCode != 0 {
			status = StatusFailed
		}
		return Result{Status: status, ExitCode: int(st.StatusCode), CompletedAt: time.Now().UTC()}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return Result{}, fmt.Errorf("executor: container %s wait returned no status", id)
}

func (c *ContainerExecutor) Terminate(ctx context.Context, grace time.Duration) error {
	c.mu.Lock()
	id := c.containerID
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	timeoutSec := int(grace.Seconds())
	return c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSec})
}

func sanitizeContainerName(s string) string {
	return strings.NewReplacer(":", "-", "/", "-").Replace(s)
}
