package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"logwarden/internal/logging"
)

// Environment performs the side effects of accepted actions.
type Environment interface {
	// ExecuteBlock blocks ip and returns the command's exit status.
	ExecuteBlock(ctx context.Context, ip string) (int, error)
	NotifyAdmin(ctx context.Context, message string) error
}

// CommandEnvironment runs a configurable block command and reports admin
// notifications on a dedicated logger.
type CommandEnvironment struct {
	argv    []string
	timeout time.Duration
	notify  *slog.Logger
}

func NewCommandEnvironment(argv []string, timeout time.Duration, logger *slog.Logger) (*CommandEnvironment, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("block command required")
	}
	if !containsPlaceholder(argv) {
		return nil, fmt.Errorf("block command %q has no {ip} placeholder", strings.Join(argv, " "))
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &CommandEnvironment{
		argv:    append([]string(nil), argv...),
		timeout: timeout,
		notify:  logger.With("channel", "admin"),
	}, nil
}

// Command returns the argv that would block ip.
func (e *CommandEnvironment) Command(ip string) []string {
	out := make([]string, len(e.argv))
	for i, a := range e.argv {
		out[i] = strings.ReplaceAll(a, "{ip}", ip)
	}
	return out
}

func (e *CommandEnvironment) ExecuteBlock(ctx context.Context, ip string) (int, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	argv := e.Command(ip)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("block %s: %w: %s", ip, err, strings.TrimSpace(string(out)))
	}
	return -1, fmt.Errorf("block %s: %w", ip, err)
}

func (e *CommandEnvironment) NotifyAdmin(_ context.Context, message string) error {
	e.notify.Warn("ADMIN ALERT", "message", message)
	return nil
}

func containsPlaceholder(argv []string) bool {
	for _, a := range argv {
		if strings.Contains(a, "{ip}") {
			return true
		}
	}
	return false
}
