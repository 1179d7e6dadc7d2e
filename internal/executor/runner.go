package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner runs helper commands as real processes.
type ExecRunner struct{}

// Run executes the command and returns its trimmed stdout. On a non-zero
// exit the captured stderr is folded into the error.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return string(out), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return string(out), fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}
