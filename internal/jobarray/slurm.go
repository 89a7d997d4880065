package jobarray

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrSubmit indicates sbatch failed or printed something unexpected
	ErrSubmit = errors.New("jobarray: submission failed")
	// ErrCancel indicates scancel failed
	ErrCancel = errors.New("jobarray: cancellation failed")
)

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Scheduler submits and cancels job arrays.
type Scheduler interface {
	Submit(ctx context.Context, scriptPath string) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// Slurm drives sbatch and scancel.
type Slurm struct {
	Runner  CommandRunner
	Sbatch  string
	Scancel string
	Log     *zap.Logger
}

// NewSlurm returns a Slurm scheduler using the given binaries.
func NewSlurm(runner CommandRunner, sbatch, scancel string, log *zap.Logger) *Slurm {
	if runner == nil {
		runner = ExecRunner{}
	}
	if sbatch == "" {
		sbatch = "sbatch"
	}
	if scancel == "" {
		scancel = "scancel"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Slurm{Runner: runner, Sbatch: sbatch, Scancel: scancel, Log: log}
}

// Submit runs `sbatch --parsable script` and returns the array job id.
func (s *Slurm) Submit(ctx context.Context, scriptPath string) (string, error) {
	out, err := s.Runner.Run(ctx, s.Sbatch, "--parsable", scriptPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrSubmit, err, strings.TrimSpace(string(out)))
	}
	id, err := ParseJobID(string(out))
	if err != nil {
		return "", err
	}
	s.Log.Info("job array submitted", zap.String("job_id", id), zap.String("script", scriptPath))
	return id, nil
}

// Cancel runs `scancel <id>`, which terminates every element of the array.
func (s *Slurm) Cancel(ctx context.Context, jobID string) error {
	if _, err := strconv.ParseUint(jobID, 10, 64); err != nil {
		return fmt.Errorf("%w: invalid job id %q", ErrCancel, jobID)
	}
	out, err := s.Runner.Run(ctx, s.Scancel, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrCancel, err, strings.TrimSpace(string(out)))
	}
	s.Log.Info("job array cancelled", zap.String("job_id", jobID))
	return nil
}

// ParseJobID extracts the id from `sbatch --parsable` output ("id" or "id;cluster").
func ParseJobID(out string) (string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	id, _, _ := strings.Cut(last, ";")
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", fmt.Errorf("%w: unexpected sbatch output %q", ErrSubmit, out)
	}
	return id, nil
}
