package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/utils"
)

const (
	// TimedOutExitCode marks a step killed at its deadline. Real processes
	// report 0..255, or -1 when killed by a signal.
	TimedOutExitCode = -2
	// CancelledExitCode marks a step killed because the run was cancelled.
	CancelledExitCode = -3

	// DefaultStepTimeout bounds one step when the caller supplies none.
	DefaultStepTimeout = 5 * time.Minute
	// DefaultOutputTail is how many trailing bytes of each stream are kept.
	DefaultOutputTail = 5000

	// Shell exit statuses for "not executable" and "not found".
	shellCannotExecute = 126
	shellNotFound      = 127
)

// ErrExecutionFault marks steps that could not be launched at all.
var ErrExecutionFault = errors.New("execution fault")

// ExecutionFault reports an environment problem: the command could not be
// started, as opposed to a command that ran and failed.
type ExecutionFault struct {
	Command string
	Err     error
}

func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("could not run %q: %v", e.Command, e.Err)
}

// Unwrap lets errors.Is match both the sentinel and the cause.
func (e *ExecutionFault) Unwrap() []error {
	return []error{ErrExecutionFault, e.Err}
}

// Runner executes build steps.
type Runner interface {
	Run(ctx context.Context, steps []string) (models.PipelineRun, error)
}

// Options tunes a ShellRunner.
type Options struct {
	Dir         string
	StepTimeout time.Duration
	OutputTail  int
	Env         []string
	Shell       string
}

// ShellRunner runs each step through "sh -c" in a working copy.
type ShellRunner struct {
	opts   Options
	logger *utils.Logger
}

// NewShellRunner creates a runner rooted at opts.Dir
func NewShellRunner(opts Options, logger *utils.Logger) *ShellRunner {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.OutputTail <= 0 {
		opts.OutputTail = DefaultOutputTail
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	return &ShellRunner{opts: opts, logger: logger}
}

// Run executes steps in order and stops at the first failure. Failing or
// timed-out steps are reported in the returned run, never as an error; only
// an ExecutionFault is returned as error, alongside the run so far.
func (r *ShellRunner) Run(ctx context.Context, steps []string) (models.PipelineRun, error) {
	run := make(models.PipelineRun, 0, len(steps))
	for _, step := range steps {
		res, err := r.runStep(ctx, step)
		run = append(run, res)
		if err != nil {
			return run, err
		}
		if !res.Succeeded() {
			r.logger.Warn("Step %q failed (exit %d, timed out %t)", step, res.ExitCode, res.TimedOut)
			break
		}
		r.logger.Info("Step %q passed in %dms", step, res.DurationMs)
	}
	return run, nil
}

func (r *ShellRunner) runStep(ctx context.Context, step string) (models.PipelineResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, r.opts.StepTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(stepCtx, r.opts.Shell, "-c", step)
	cmd.Dir = r.opts.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	if len(r.opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.opts.Env...)
	}

	r.logger.Debug("Running %q in %s", step, r.opts.Dir)
	var streams []io.Closer
	if r.logger.DebugEnabled() {
		logger := r.logger.WithField("step", step)
		outLog := logger.WithField("stream", "stdout").Writer()
		errLog := logger.WithField("stream", "stderr").Writer()
		cmd.Stdout = io.MultiWriter(&stdout, ignoreErrors{outLog})
		cmd.Stderr = io.MultiWriter(&stderr, ignoreErrors{errLog})
		streams = append(streams, outLog, errLog)
	}
	start := time.Now()
	err := cmd.Run()
	for _, c := range streams {
		_ = c.Close()
	}
	res := models.PipelineResult{
		Command:    step,
		Stdout:     tail(stdout.Bytes(), r.opts.OutputTail),
		Stderr:     tail(stderr.Bytes(), r.opts.OutputTail),
		DurationMs: time.Since(start).Milliseconds(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		res.ExitCode = CancelledExitCode
		res.TimedOut = true
		return res, nil
	case stepCtx.Err() != nil:
		res.ExitCode = TimedOutExitCode
		res.TimedOut = true
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if (res.ExitCode == shellNotFound || res.ExitCode == shellCannotExecute) && notLaunched(step, res.Stderr) {
			return res, &ExecutionFault{Command: step, Err: fmt.Errorf("shell exit status %d: %s", res.ExitCode, res.Stderr)}
		}
		return res, nil
	default:
		res.ExitCode = -1
		return res, &ExecutionFault{Command: step, Err: err}
	}
}

// notLaunched reports whether the shell failed to start the step's own
// command. A missing program run by that command exits the same way but is
// an ordinary failure.
func notLaunched(step, stderr string) bool {
	var name string
	for _, f := range strings.Fields(step) {
		if !strings.Contains(f, "=") {
			name = f
			break
		}
	}
	if name == "" {
		return false
	}
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		for _, reason := range []string{"not found", "command not found", "Permission denied", "cannot execute binary file"} {
			if strings.HasSuffix(line, name+": "+reason) {
				return true
			}
		}
	}
	return false
}

// ignoreErrors keeps a broken log stream from failing the step.
type ignoreErrors struct {
	w io.Writer
}

func (i ignoreErrors) Write(p []byte) (int, error) {
	_, _ = i.w.Write(p)
	return len(p), nil
}

// tail keeps the last n bytes of b.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
