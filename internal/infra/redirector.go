package infra

import (
	"os/exec"

	"go.uber.org/zap"

	"github.com/sentinelkids/agent/internal/domain"
)

// CommandRedirector launches a host-provided blocking surface when an
// app must be blocked. Fire-and-forget: a failed launch is only logged,
// because the next foreground change re-evaluates and re-triggers it.
type CommandRedirector struct {
	command string
	logger  *zap.Logger
}

// NewCommandRedirector creates a redirector that runs the given command
// with the blocked package and reason as arguments. An empty command
// degrades to log-only.
func NewCommandRedirector(command string, logger *zap.Logger) *CommandRedirector {
	return &CommandRedirector{command: command, logger: logger}
}

// Redirect signals the blocking surface.
func (r *CommandRedirector) Redirect(pkg string, reason domain.BlockReason) {
	if r.command == "" {
		r.logger.Info("redirect to blocking screen",
			zap.String("package", pkg),
			zap.String("reason", reason.String()))
		return
	}
	cmd := exec.Command(r.command, pkg, reason.String())
	if err := cmd.Start(); err != nil {
		r.logger.Warn("blocking surface unavailable",
			zap.String("package", pkg),
			zap.Error(err))
		return
	}
	go func() { _ = cmd.Wait() }()
}

var _ domain.Redirector = (*CommandRedirector)(nil)
