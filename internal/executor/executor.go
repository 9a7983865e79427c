// Package executor runs local tools (case interpreter, DICOM converter) as
// subprocesses with a timeout.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Result captures one subprocess run. A nonzero exit is a failed Result, not
// an error: handlers decide whether a tool failure is fatal for the beam.
type Result struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// LocalExecutor runs commands on the orchestrator host.
type LocalExecutor struct {
	timeout time.Duration
}

func NewLocalExecutor(timeout time.Duration) *LocalExecutor {
	return &LocalExecutor{timeout: timeout}
}

// Run executes tool with args in dir. It returns an error only when the
// process could not be started or was killed by the timeout; a clean start
// with a nonzero exit yields Success=false.
func (e *LocalExecutor) Run(ctx context.Context, tool string, args []string, dir string) (Result, error) {
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, tool, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithFields(log.Fields{
		"tool": tool,
		"args": strings.Join(args, " "),
		"dir":  dir,
	}).Debug("Running local tool")

	err := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err == nil {
		result.Success = true
		result.ExitCode = 0
		return result, nil
	}

	if runCtx.Err() != nil {
		return result, errors.Wrapf(runCtx.Err(), "%s timed out after %s", tool, e.timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, errors.Wrapf(err, "failed to start %s", tool)
}
