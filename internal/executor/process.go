package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// ProcessExecutor runs the trial's harness as a direct child process,
// grounded on internal/dispatch/dispatch.go's Dispatch/monitorProcess/
// KillProcess: SIGTERM, a grace period, then SIGKILL.
type ProcessExecutor struct {
	mu       sync.Mutex
	spec     Spec
	cmd      *exec.Cmd
	state    Status
	exitCode int
	doneCh   chan struct{}
	doneOnce sync.Once
}

// NewProcessExecutor returns a ready-to-use ProcessExecutor.
func NewProcessExecutor() *ProcessExecutor {
	return &ProcessExecutor{state: StatusRunning, doneCh: make(chan struct{})}
}

func (p *ProcessExecutor) Prepare(ctx context.Context, spec Spec) error {
	p.spec = spec
	if spec.WorkDir != "" {
		if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
			return fmt.Errorf("executor: create work dir %s: %w", spec.WorkDir, err)
		}
	}
	return nil
}

func (p *ProcessExecutor) Launch(ctx context.Context) error {
	if len(p.spec.AgentCommand) == 0 {
		return labrerr.Newf(labrerr.ConfigInvalid, "executor: trial %s has empty agent_command", p.spec.TrialID)
	}

	name := p.spec.AgentCommand[0]
	args := append([]string{}, p.spec.AgentCommand[1:]...)
	args = append(args, p.spec.InputPath, p.spec.ControlPath, p.spec.OutputPath)

	cmd := exec.Command(name, args...)
	cmd.Dir = p.spec.WorkDir
	cmd.Env = os.Environ()
	for k, v := range p.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outFile, err := os.Create(p.spec.EventsPath + ".stdio.log")
	if err == nil {
		cmd.Stdout = outFile
		cmd.Stderr = outFile
	}

	if err := cmd.Start(); err != nil {
		if outFile != nil {
			outFile.Close()
		}
		return labrerr.Wrap(labrerr.TrialFailed, fmt.Sprintf("start harness for trial %s", p.spec.TrialID), err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	go func() {
		waitErr := cmd.Wait()
		if outFile != nil {
			outFile.Close()
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				p.exitCode = exitErr.ExitCode()
			} else {
				p.exitCode = -1
			}
			if p.state == StatusRunning {
				p.state = StatusFailed
			}
		} else {
			p.exitCode = 0
			if p.state == StatusRunning {
				p.state = StatusSucceeded
			}
		}
		p.doneOnce.Do(func() { close(p.doneCh) })
	}()

	return nil
}

func (p *ProcessExecutor) Await(ctx context.Context) (Result, error) {
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return Result{Status: StatusRunning}, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return Result{Status: p.state, ExitCode: p.exitCode, CompletedAt: time.Now().UTC()}, nil
}

func (p *ProcessExecutor) Terminate(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	// Mark the trial killed before signalling, so the wait goroutine does
	// not record the signal-induced exit as a plain failure.
	p.markKilled()
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("executor: SIGTERM pid group %d: %w", pid, err)
	}

	select {
	case <-p.doneCh:
		p.markKilled()
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	select {
	case <-p.doneCh:
		p.markKilled()
		return nil
	default:
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("executor: SIGKILL pid group %d: %w", pid, err)
	}
	p.markKilled()
	return nil
}

func (p *ProcessExecutor) markKilled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatusRunning {
		p.state = StatusKilled
	}
}
