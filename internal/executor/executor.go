// Package executor runs one trial to completion under one of three
// interchangeable modes: a direct child process, a
// sandboxed Docker container, or a remote HTTP submit-and-poll backend.
// All three implement Executor, a tagged-sum dispatch shape: one
// interface, three mutually exclusive implementations selected by mode.
package executor

import (
	"context"
	"time"
)

// Status is a trial's terminal or in-flight execution state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusKilled    Status = "killed"
)

// Spec describes everything one executor invocation needs to run a
// trial. InputPath/ControlPath/OutputPath/EventsPath are the fixed
// per-trial files under trials/<trial_id>/ (see internal/rundir).
type Spec struct {
	TrialID      string
	RunID        string
	WorkDir      string
	InputPath    string
	ControlPath  string
	OutputPath   string
	EventsPath   string
	AgentCommand []string
	Image        string
	Env          map[string]string
	TimeoutMS    int64
	Sandbox      SandboxPolicy
}

// SandboxPolicy mirrors experiment.SandboxPolicy, decoupled so this
// package does not need to import the experiment package's full model.
type SandboxPolicy struct {
	ReadOnlyRoot     bool
	NonRootUser      bool
	DropCapabilities []string
	NoNewPrivileges  bool
	CPULimit         float64
	MemoryLimitMB    int64
	NetworkMode      string
	NetworkAllowlist []string
}

// Result is what Await returns once a trial reaches a terminal state.
type Result struct {
	Status      Status
	ExitCode    int
	CompletedAt time.Time
	Detail      string
}

// Executor drives one trial's lifecycle. Implementations are not
// expected to be reused across trials — callers construct a fresh
// Executor per Spec.
type Executor interface {
	// Prepare stages whatever the mode needs before launch (e.g. writing
	// trial_input.json is the caller's job; Prepare handles
	// mode-specific setup like creating a container context directory).
	Prepare(ctx context.Context, spec Spec) error

	// Launch starts the trial running. It must not block until
	// completion.
	Launch(ctx context.Context) error

	// Await blocks until the trial reaches a terminal state or ctx is
	// done, whichever comes first.
	Await(ctx context.Context) (Result, error)

	// Terminate requests a cooperative stop (SIGTERM / container stop /
	// remote cancel), waits up to grace, then forces termination.
	Terminate(ctx context.Context, grace time.Duration) error
}

// Mode selects which Executor implementation to construct.
type Mode string

const (
	ModeLocalProcess   Mode = "local_process"
	ModeLocalContainer Mode = "local_container"
	ModeRemote         Mode = "remote"
)

// New constructs the Executor for mode. remoteCfg is only consulted when
// mode is ModeRemote.
func New(mode Mode, remoteCfg RemoteConfig) (Executor, error) {
	switch mode {
	case ModeLocalProcess, "":
		return NewProcessExecutor(), nil
	case ModeLocalContainer:
		return NewContainerExecutor()
	case ModeRemote:
		return NewRemoteExecutor(remoteCfg), nil
	default:
		return nil, &UnknownModeError{Mode: mode}
	}
}

// UnknownModeError is returned by New for an unrecognized Mode.
type UnknownModeError struct {
	Mode Mode
}

func (e *UnknownModeError) Error() string {
	return "executor: unknown mode " + string(e.Mode)
}
