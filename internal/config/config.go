// ============================================================================
// oqdist Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with defaults and environment overrides
//
// Sources, lowest to highest precedence:
//   1. Default()
//   2. YAML file (default path configs/default.yaml, optional)
//   3. Environment: OQ_DISTRIBUTE, OQ_INTERPRETER, OQ_DATADIR
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/logger"
)

// Distribution modes
const (
	ModeInProcess   = "inproc"
	ModeProcessPool = "processpool"
	ModeSlurm       = "slurm"
)

// Error policies
const (
	PolicyAbort    = "abort"
	PolicyDrain    = "drain"
	PolicyTolerate = "tolerate"
)

// Environment variables
const (
	EnvDistribute  = "OQ_DISTRIBUTE"
	EnvInterpreter = "OQ_INTERPRETER"
	EnvDataDir     = "OQ_DATADIR"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete system configuration structure
type Config struct {
	Distribution struct {
		Mode        string `yaml:"mode"`
		Workers     int    `yaml:"workers"`     // goroutines or processes; 0 means NumCPU
		Interpreter string `yaml:"interpreter"` // worker executable; empty means this binary
	} `yaml:"distribution"`

	Storage struct {
		BaseDir string `yaml:"base_dir"`
	} `yaml:"storage"`

	Phase struct {
		AwaitTimeout    time.Duration `yaml:"await_timeout"`
		ErrorPolicy     string        `yaml:"error_policy"`
		CancelOnTimeout bool          `yaml:"cancel_on_timeout"`
		KillGrace       time.Duration `yaml:"kill_grace"`
	} `yaml:"phase"`

	Slurm struct {
		Template        string        `yaml:"template"` // path to an override template
		Partition       string        `yaml:"partition"`
		TimeLimit       time.Duration `yaml:"time_limit"`
		MemPerTask      string        `yaml:"mem_per_task"`
		CPUsPerTask     int           `yaml:"cpus_per_task"`
		MaxParallel     int           `yaml:"max_parallel"` // %N throttle, 0 = unlimited
		ExtraDirectives []string      `yaml:"extra_directives"`
		Sbatch          string        `yaml:"sbatch"`
		Scancel         string        `yaml:"scancel"`
	} `yaml:"slurm"`

	Channel struct {
		Transport    string        `yaml:"transport"` // file, redis, grpc (cluster mode)
		RedisAddr    string        `yaml:"redis_addr"`
		GRPCAddr     string        `yaml:"grpc_addr"`
		ScanInterval time.Duration `yaml:"scan_interval"`
	} `yaml:"channel"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	API struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"api"`

	Log logger.Config `yaml:"log"`
}

// Default returns a configuration usable on a single machine.
func Default() *Config {
	cfg := &Config{}
	cfg.Distribution.Mode = ModeProcessPool
	cfg.Storage.BaseDir = filepath.Join(os.TempDir(), "oqdata")
	cfg.Phase.AwaitTimeout = 24 * time.Hour
	cfg.Phase.ErrorPolicy = PolicyAbort
	cfg.Phase.KillGrace = 2 * time.Second
	cfg.Slurm.CPUsPerTask = 1
	cfg.Slurm.Sbatch = "sbatch"
	cfg.Slurm.Scancel = "scancel"
	cfg.Channel.Transport = "file"
	cfg.Channel.ScanInterval = 2 * time.Second
	cfg.Metrics.Port = 9090
	cfg.API.Addr = ":8800"
	cfg.Log = logger.Config{Level: "info", Format: "console", Output: "stderr"}
	return cfg
}

// Load reads path on top of the defaults and applies the environment.
// A missing file is not an error when path is the default location.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case os.IsNotExist(err) && path == DefaultPath:
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "configs/default.yaml"

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDistribute); ok && v != "" {
		// accept the historical spellings as well
		switch v {
		case "no", "inproc", "threadpool":
			c.Distribution.Mode = ModeInProcess
		case "processpool", "local":
			c.Distribution.Mode = ModeProcessPool
		case "slurm":
			c.Distribution.Mode = ModeSlurm
		default:
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvDistribute, v)
		}
	}
	if v, ok := lookup(EnvInterpreter); ok && v != "" {
		c.Distribution.Interpreter = v
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.Storage.BaseDir = v
	}
	return nil
}

// Validate checks field combinations.
func (c *Config) Validate() error {
	switch c.Distribution.Mode {
	case ModeInProcess, ModeProcessPool, ModeSlurm:
	default:
		return fmt.Errorf("%w: distribution.mode %q", ErrInvalidConfig, c.Distribution.Mode)
	}
	switch c.Phase.ErrorPolicy {
	case PolicyAbort, PolicyDrain, PolicyTolerate:
	default:
		return fmt.Errorf("%w: phase.error_policy %q", ErrInvalidConfig, c.Phase.ErrorPolicy)
	}
	if c.Distribution.Workers < 0 {
		return fmt.Errorf("%w: distribution.workers must be >= 0", ErrInvalidConfig)
	}
	if c.Slurm.MaxParallel < 0 {
		return fmt.Errorf("%w: slurm.max_parallel must be >= 0", ErrInvalidConfig)
	}
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("%w: storage.base_dir is required", ErrInvalidConfig)
	}
	if c.Phase.AwaitTimeout <= 0 {
		return fmt.Errorf("%w: phase.await_timeout must be positive", ErrInvalidConfig)
	}
	if c.Distribution.Mode == ModeSlurm {
		switch c.Channel.Transport {
		case "file":
		case "redis":
			if c.Channel.RedisAddr == "" {
				return fmt.Errorf("%w: channel.redis_addr is required for redis transport", ErrInvalidConfig)
			}
		case "grpc":
			if c.Channel.GRPCAddr == "" {
				return fmt.Errorf("%w: channel.grpc_addr is required for grpc transport", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: channel.transport %q", ErrInvalidConfig, c.Channel.Transport)
		}
	}
	return nil
}

// Summary renders the fields operators usually ask about.
func (c *Config) Summary() map[string]string {
	return map[string]string{
		"mode":          c.Distribution.Mode,
		"workers":       strconv.Itoa(c.Distribution.Workers),
		"base_dir":      c.Storage.BaseDir,
		"error_policy":  c.Phase.ErrorPolicy,
		"await_timeout": c.Phase.AwaitTimeout.String(),
		"transport":     c.Channel.Transport,
	}
}
