package restart

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"
)

// Controller performs the external restart of one service. The returned
// string is a short diagnostic; a non-nil error is classified by its
// DomainError type.
type Controller interface {
	Restart(ctx context.Context, serviceID string) (string, error)
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(ctx context.Context, serviceID string) (string, error)

func (f ControllerFunc) Restart(ctx context.Context, serviceID string) (string, error) {
	return f(ctx, serviceID)
}

const commandWaitDelay = 2 * time.Second

// CommandController drives the appliance service manager script.
type CommandController struct {
	command    string
	maxMessage int
	logger     logging.Logger
}

func NewCommandController(options config.RestartOptions, logger logging.Logger) *CommandController {
	return &CommandController{
		command:    options.Command,
		maxMessage: options.MaxMessageBytes,
		logger:     logger,
	}
}

// Restart runs "<command> restart <id>".
func (c *CommandController) Restart(ctx context.Context, serviceID string) (string, error) {
	return c.run(ctx, "restart", serviceID)
}

// UpdateFull runs "<command> update-full <payload>", which rewrites and
// reloads the whole collector stack.
func (c *CommandController) UpdateFull(ctx context.Context, payload string) (string, error) {
	return c.run(ctx, "update-full", payload)
}

func (c *CommandController) run(ctx context.Context, action string, arg string) (string, error) {
	cmd := exec.CommandContext(ctx, c.command, action, arg)
	setupProcessGroup(cmd)
	cmd.WaitDelay = commandWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debugf("Running control command, command: %s, action: %s, arg: %s", c.command, action, arg)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err == nil {
		c.logger.Infof("Control command succeeded, action: %s, arg: %s, duration: %v", action, arg, elapsed)
		return Truncate(stdout.String(), c.maxMessage), nil
	}

	diagnostic := Truncate(stderr.String(), c.maxMessage)
	if diagnostic == "" {
		diagnostic = Truncate(stdout.String(), c.maxMessage)
	}

	classified := c.classify(ctx, err, diagnostic).
		WithContext("action", action).
		WithContext("arg", arg)
	c.logger.Warnf("Control command failed, action: %s, arg: %s, duration: %v, error: %v", action, arg, elapsed, classified)
	return diagnostic, classified
}

func (c *CommandController) classify(ctx context.Context, err error, diagnostic string) *errors.DomainError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.NewTimeoutError("control command did not finish in time", ctxErr)
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		message := fmt.Sprintf("control command exited with code %d", exitErr.ExitCode())
		if diagnostic != "" {
			message += ": " + diagnostic
		}
		return errors.NewNonZeroExitError(message, err).WithContext("exit_code", exitErr.ExitCode())
	}

	var execErr *exec.Error
	var pathErr *fs.PathError
	if stderrors.As(err, &execErr) || stderrors.As(err, &pathErr) ||
		stderrors.Is(err, fs.ErrNotExist) || stderrors.Is(err, fs.ErrPermission) {
		return errors.NewUnavailableError("control command is not available", err).WithContext("command", c.command)
	}

	return errors.NewInternalError("control command failed unexpectedly", err)
}

// Truncate trims s and cuts it to at most n bytes on a rune boundary.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
