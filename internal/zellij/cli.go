package zellij

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/common/constants"
	"github.com/jellyj/jelly-j/internal/common/logger"
)

// OverlayPaneName labels the floating pane used for heartbeat suggestions.
const OverlayPaneName = "Jelly J"

// ErrTimeout reports that a multiplexer subprocess exceeded its deadline.
var ErrTimeout = errors.New("zellij command timed out")

// CLI runs the multiplexer binary with per-session environment routing.
type CLI struct {
	defaultBin string
	timeout    time.Duration
	logger     *logger.Logger
}

// NewCLI creates a CLI wrapper. defaultBin may be empty for PATH lookup.
func NewCLI(defaultBin string, log *logger.Logger) *CLI {
	return &CLI{
		defaultBin: defaultBin,
		timeout:    constants.ZellijCLITimeout,
		logger:     log.WithFields(zap.String("component", "zellij-cli")),
	}
}

// bin resolves the binary for one invocation: the env context override
// wins, then the configured default, then plain "zellij".
func (c *CLI) bin(env EnvContext) string {
	if env.BinOverride != "" {
		return env.BinOverride
	}
	if c.defaultBin != "" {
		return c.defaultBin
	}
	return "zellij"
}

// Run executes a zellij invocation targeting the context's session and
// returns its stdout. Deadline overruns map to ErrTimeout.
func (c *CLI) Run(ctx context.Context, env EnvContext, args ...string) ([]byte, error) {
	return c.run(ctx, env, c.timeout, args...)
}

func (c *CLI) run(ctx context.Context, env EnvContext, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := args
	if env.SessionName != "" {
		full = append([]string{"--session", env.SessionName}, args...)
	}

	cmd := exec.CommandContext(ctx, c.bin(env), full...)
	cmd.Env = env.Environ(os.Environ())
	// A forked grandchild keeping the stdout pipe open must not stretch
	// the deadline; abandon the pipes shortly after the child exits.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		c.logger.Warn("zellij command timed out",
			zap.Strings("args", args),
			zap.String("session", env.SessionName))
		return nil, fmt.Errorf("%w: zellij %v", ErrTimeout, args)
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// The command itself succeeded; only a pipe straggler was cut off.
		return stdout.Bytes(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("zellij %v: %w (stderr: %s)", args, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// OpenOverlay opens a small floating, auto-closing pane showing text.
// Used for heartbeat suggestions; never steals focus for long since the
// pane closes itself.
func (c *CLI) OpenOverlay(ctx context.Context, env EnvContext, text string, lifetime time.Duration) error {
	script := fmt.Sprintf("echo %s; sleep %d", shellQuote(text), int(lifetime.Seconds()))
	_, err := c.Run(ctx, env,
		"run", "--floating", "--close-on-exit", "--name", OverlayPaneName,
		"--", "sh", "-c", script)
	return err
}

// shellQuote single-quotes s for sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
