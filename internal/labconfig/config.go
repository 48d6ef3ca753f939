// Package labconfig loads and validates the ambient AgentLab daemon/CLI
// configuration (lab.toml). This is operational configuration for the
// agentlab binary itself — lease TTLs, the lab root directory, default
// executor mode — never the experiment definition, which remains an
// external collaborator per the run engine's scope.
package labconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "1s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of lab.toml.
type Config struct {
	General  General  `toml:"general"`
	Runtime  Runtime  `toml:"runtime"`
	Analysis Analysis `toml:"analysis"`
}

type General struct {
	LabRoot           string   `toml:"lab_root"`
	LogLevel          string   `toml:"log_level"`
	DefaultLeaseTTLS  int      `toml:"default_lease_ttl_s"`
	DefaultHeartbeatS int      `toml:"default_heartbeat_s"`
	PollInterval      Duration `toml:"poll_interval"`
}

type Runtime struct {
	DefaultMode     string `toml:"default_mode"` // local_process | local_container | remote
	ContainerImage  string `toml:"container_image"`
	RemoteTokenEnv  string `toml:"remote_token_env"`
	RemoteEndpoint  string `toml:"remote_endpoint"`
}

type Analysis struct {
	MaterializeEmbedded bool   `toml:"materialize_embedded"`
	SidecarLog          string `toml:"sidecar_log"`
}

// Default returns the built-in configuration used when no lab.toml is
// present: a 30s lease TTL with a 10s heartbeat.
func Default() *Config {
	return &Config{
		General: General{
			LabRoot:           ".lab",
			LogLevel:          "info",
			DefaultLeaseTTLS:  30,
			DefaultHeartbeatS: 10,
			PollInterval:      Duration{1 * time.Second},
		},
		Runtime: Runtime{
			DefaultMode:    "local_process",
			ContainerImage: "agentlab-harness:latest",
		},
		Analysis: Analysis{
			MaterializeEmbedded: true,
			SidecarLog:          "analysis/materialize_errors.log",
		},
	}
}

// Load reads lab.toml at path, falling back to Default() if the file does
// not exist, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return nil, fmt.Errorf("labconfig: stat %s: %w", path, err)
		}

		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("labconfig: parse %s: %w", path, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would leave the run engine unable
// to establish a lease or pick an executor mode.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.General.LabRoot) == "" {
		return fmt.Errorf("labconfig: general.lab_root must not be empty")
	}
	if cfg.General.DefaultLeaseTTLS <= 0 {
		return fmt.Errorf("labconfig: general.default_lease_ttl_s must be positive")
	}
	if cfg.General.DefaultHeartbeatS <= 0 {
		return fmt.Errorf("labconfig: general.default_heartbeat_s must be positive")
	}
	if cfg.General.DefaultHeartbeatS*3 > cfg.General.DefaultLeaseTTLS {
		return fmt.Errorf("labconfig: default_heartbeat_s must be <= default_lease_ttl_s/3 (got heartbeat=%d ttl=%d)",
			cfg.General.DefaultHeartbeatS, cfg.General.DefaultLeaseTTLS)
	}
	switch cfg.Runtime.DefaultMode {
	case "local_process", "local_container", "remote":
	default:
		return fmt.Errorf("labconfig: runtime.default_mode must be local_process, local_container, or remote, got %q", cfg.Runtime.DefaultMode)
	}
	return nil
}

// ExpandHome expands a leading ~/ to the user's home directory, for
// workspace paths written in lab.toml.
func ExpandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

// Clone returns a deep-enough copy for safe concurrent handoff (no shared
// mutable pointers inside Config today, but Clone exists so callers never
// depend on incidental non-sharing; RWMutexManager hands out clones on
// every Get).
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
