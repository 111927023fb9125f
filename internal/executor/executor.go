package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"storf/internal/apperrors"
	"storf/internal/options"
)

const (
	RuntimeDocker = "docker"
	RuntimePodman = "podman"
	RuntimeLocal  = "local"

	containerInputDir  = "/data"
	containerOutputDir = "/output"
)

type Config struct {
	Runtime string
	Image   string
	Binary  string
	Network string
	// JobsDir is the jobs directory as this process sees it. HostJobsDir is
	// the same directory as the container runtime's host sees it; set it when
	// the worker itself runs inside a container.
	JobsDir     string
	HostJobsDir string
	Timeout     time.Duration
}

// Invocation is one run of the analysis for one attempt.
type Invocation struct {
	JobID     string
	Attempt   int
	InputPath string
	OutputDir string
	Options   options.Options
}

// Result contains execution results
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Executor runs the analysis image or binary
type Executor struct {
	cfg Config
}

// NewExecutor creates a new executor
func NewExecutor(cfg Config) (*Executor, error) {
	switch cfg.Runtime {
	case RuntimeDocker, RuntimePodman:
		if cfg.Image == "" {
			return nil, fmt.Errorf("container image not specified")
		}
	case RuntimeLocal:
		if cfg.Binary == "" {
			return nil, fmt.Errorf("analysis binary not specified")
		}
	default:
		return nil, fmt.Errorf("unsupported runtime: %v", cfg.Runtime)
	}
	return &Executor{cfg: cfg}, nil
}

// Command builds the process for inv. Arguments are passed as a vector and
// never through a shell.
func (e *Executor) Command(ctx context.Context, inv Invocation) (*exec.Cmd, error) {
	if err := inv.Options.Validate(); err != nil {
		return nil, err
	}

	switch e.cfg.Runtime {
	case RuntimeDocker, RuntimePodman:
		if _, err := exec.LookPath(e.cfg.Runtime); err != nil {
			return nil, fmt.Errorf("%s not found: %w", e.cfg.Runtime, err)
		}
		return exec.CommandContext(ctx, e.cfg.Runtime, e.ContainerArgs(inv)...), nil
	default:
		args := inv.Options.Args(inv.InputPath, inv.OutputDir)
		return exec.CommandContext(ctx, e.cfg.Binary, args...), nil
	}
}

// ContainerArgs is the argument vector for "docker" or "podman".
func (e *Executor) ContainerArgs(inv Invocation) []string {
	args := []string{"run", "--rm"}
	if e.cfg.Network != "" {
		args = append(args, "--network", e.cfg.Network)
	}
	args = append(args,
		"-v", fmt.Sprintf("%s:%s", e.hostPath(filepath.Dir(inv.InputPath)), containerInputDir),
		"-v", fmt.Sprintf("%s:%s", e.hostPath(inv.OutputDir), containerOutputDir),
		e.cfg.Image,
	)
	input := containerInputDir + "/" + filepath.Base(inv.InputPath)
	return append(args, inv.Options.Args(input, containerOutputDir)...)
}

// hostPath translates a path under JobsDir to the container host's view.
func (e *Executor) hostPath(p string) string {
	if e.cfg.HostJobsDir == "" || e.cfg.JobsDir == "" {
		return p
	}
	rel, err := filepath.Rel(e.cfg.JobsDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return filepath.Join(e.cfg.HostJobsDir, rel)
}

// Execute runs inv to completion. started is called once the process is
// running. A non-nil Result is returned whenever the process was started,
// even on failure, so its output can be kept. Failures are
// *apperrors.ExecutionError.
func (e *Executor) Execute(ctx context.Context, inv Invocation, started func()) (*Result, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	cmd, err := e.Command(ctx, inv)
	if err != nil {
		return nil, apperrors.Execution(inv.Attempt, err, "failed to prepare analysis: %v", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	begin := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, apperrors.Execution(inv.Attempt, err, "failed to start analysis: %v", err)
	}
	if started != nil {
		started()
	}
	err = cmd.Wait()

	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(begin),
	}
	if err == nil {
		return result, nil
	}

	result.ExitCode = -1
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, apperrors.Execution(inv.Attempt, err, "analysis timed out after %s", e.cfg.Timeout)
	}
	if ctx.Err() != nil {
		return result, apperrors.Execution(inv.Attempt, ctx.Err(), "analysis cancelled")
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		execErr := apperrors.Execution(inv.Attempt, err, "analysis exited with status %d", result.ExitCode)
		execErr.ExitCode = result.ExitCode
		return result, execErr
	}
	return result, apperrors.Execution(inv.Attempt, err, "analysis failed: %v", err)
}
