// Package runtime drives the host's container runtime: converging the
// running container set to the rendered manifest and discovering the host
// ports the runtime assigned.
package runtime

import (
	"context"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
)

// Runner abstracts external command execution so pipeline logic is testable
// without a container runtime on the host.
type Runner interface {
	// Run executes the command and returns its combined output. The
	// output is returned even when the command fails; callers surface it
	// as the diagnostic for a failed stage.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec, optionally under sudo and with
// a per-invocation timeout. Runtime and proxy commands are privileged on
// the deployment host, so sudo is the default.
type ExecRunner struct {
	UseSudo bool
	Timeout time.Duration
}

// Run executes the command.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	if r.UseSudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}

	start := time.Now()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	logger.Debug("External command finished",
		zap.String("command", name),
		zap.Strings("args", args),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return out, err
}
