// Package gis shells out to the external GIS toolkit for project validation
// and packaging. The toolkit reports business failures through its exit code;
// a toolkit killed by a signal is a crash and is surfaced as a distinct error
// so callers never mistake one for the other.
package gis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// ExitError reports a toolkit run that completed with a non-zero exit code.
// The output usually carries the validation findings.
type ExitError struct {
	Code   int
	Output []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("toolkit exited with code %d", e.Code)
}

// CrashError reports a toolkit process killed by a signal.
type CrashError struct {
	Signal syscall.Signal
	Output []byte
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("toolkit crashed: %s", e.Signal)
}

// Runner executes the toolkit binary.
type Runner struct {
	bin string
}

// NewRunner creates a runner for the toolkit at bin.
func NewRunner(bin string) *Runner {
	return &Runner{bin: bin}
}

// Run executes the toolkit with the given arguments and returns its combined
// output. A non-zero exit returns *ExitError, a signal death *CrashError.
func (r *Runner) Run(ctx context.Context, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.Bytes()
	if err == nil {
		return output, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return output, &CrashError{Signal: ws.Signal(), Output: output}
		}
		return output, &ExitError{Code: exitErr.ExitCode(), Output: output}
	}
	return output, fmt.Errorf("run toolkit: %w", err)
}

// Validate checks a project file's structure. The returned output is the
// toolkit's layer and schema report.
func (r *Runner) Validate(ctx context.Context, projectPath string) ([]byte, error) {
	return r.Run(ctx, "validate", projectPath)
}

// Package builds a field-ready package from srcPath into outPath.
func (r *Runner) Package(ctx context.Context, srcPath, outPath string) ([]byte, error) {
	return r.Run(ctx, "package", srcPath, outPath)
}
