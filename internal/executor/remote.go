package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/antigravity-dev/agentlab/internal/labrerr"
)

// RemoteConfig configures the HTTP submit-and-poll executor.
type RemoteConfig struct {
	Endpoint     string
	TokenEnvVar  string // env var named by --remote-token-env
	PollInterval time.Duration
	Client       *http.Client
}

// RemoteExecutor submits a trial to a remote HTTP backend and polls for
// its terminal result over a bearer-token-authenticated HTTP client.
type RemoteExecutor struct {
	cfg      RemoteConfig
	client   *http.Client
	spec     Spec
	remoteID string
}

func NewRemoteExecutor(cfg RemoteConfig) *RemoteExecutor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteExecutor{cfg: cfg, client: client}
}

func (r *RemoteExecutor) token() string {
	if r.cfg.TokenEnvVar == "" {
		return ""
	}
	return os.Getenv(r.cfg.TokenEnvVar)
}

func (r *RemoteExecutor) Prepare(ctx context.Context, spec Spec) error {
	if r.cfg.Endpoint == "" {
		return labrerr.Newf(labrerr.ConfigInvalid, "executor: remote mode requires runtime.remote_endpoint")
	}
	r.spec = spec
	return nil
}

type remoteSubmission struct {
	TrialID      string            `json:"trial_id"`
	RunID        string            `json:"run_id"`
	AgentCommand []string          `json:"agent_command"`
	Image        string            `json:"image,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms"`
	Env          map[string]string `json:"env,omitempty"`
}

type remoteSubmitResponse struct {
	RemoteID string `json:"remote_id"`
}

func (r *RemoteExecutor) Launch(ctx context.Context) error {
	body, err := json.Marshal(remoteSubmission{
		TrialID:      r.spec.TrialID,
		RunID:        r.spec.RunID,
		AgentCommand: r.spec.AgentCommand,
		Image:        r.spec.Image,
		TimeoutMS:    r.spec.TimeoutMS,
		Env:          r.spec.Env,
	})
	if err != nil {
		return fmt.Errorf("executor: marshal remote submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+"/trials", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("executor: build submit request: %w", err)
	}
	r.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return labrerr.Wrap(labrerr.TrialFailed, "submit trial to remote executor", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return labrerr.Newf(labrerr.TrialFailed, "remote submit failed: status %d (%s)", resp.StatusCode, out)
	}

	var sub remoteSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return fmt.Errorf("executor: decode remote submit response: %w", err)
	}
	r.remoteID = sub.RemoteID
	return nil
}

type remoteStatusResponse struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
}

// Await polls pollOnce at a rate bounded by cfg.PollInterval, using a
// token-bucket limiter (rather than a bare ticker) so a slow remote
// backend's response latency never compounds into a tighter-than-
// configured poll cadence.
func (r *RemoteExecutor) Await(ctx context.Context) (Result, error) {
	limiter := rate.NewLimiter(rate.Every(r.cfg.PollInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return Result{}, ctx.Err()
		}
		res, done, err := r.pollOnce(ctx)
		if err != nil {
			return Result{}, err
		}
		if done {
			return res, nil
		}
	}
}

func (r *RemoteExecutor) pollOnce(ctx context.Context) (Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Endpoint+"/trials/"+r.remoteID, nil)
	if err != nil {
		return Result{}, false, fmt.Errorf("executor: build poll request: %w", err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, false, labrerr.Wrap(labrerr.TrialFailed, "poll remote trial", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, false, labrerr.Newf(labrerr.TrialFailed, "remote poll failed: status %d (%s)", resp.StatusCode, out)
	}

	var st remoteStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Result{}, false, fmt.Errorf("executor: decode remote status: %w", err)
	}

	switch Status(st.Status) {
	case StatusSucceeded, StatusFailed, StatusTimeout, StatusKilled:
		return Result{Status: Status(st.Status), ExitCode: st.ExitCode, CompletedAt: time.Now().UTC()}, true, nil
	default:
		return Result{}, false, nil
	}
}

func (r *RemoteExecutor) Terminate(ctx context.Context, grace time.Duration) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.cfg.Endpoint+"/trials/"+r.remoteID, nil)
	if err != nil {
		return fmt.Errorf("executor: build cancel request: %w", err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return labrerr.Wrap(labrerr.TrialFailed, "cancel remote trial", err)
	}
	defer resp.Body.Close()
	return nil
}

func (r *RemoteExecutor) authorize(req *http.Request) {
	if tok := r.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}
