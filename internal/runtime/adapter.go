// Package runtime adapts the Claude Code CLI to the daemon's turn executor.
// Each turn spawns one subprocess in stream-json mode and translates its
// output into adapter events.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/tracing"
	"github.com/jellyj/jelly-j/internal/zellij"
	"github.com/jellyj/jelly-j/pkg/claudecode"
)

// ErrUnknownAlias is returned for model aliases outside the supported set.
var ErrUnknownAlias = errors.New("unknown model alias")

// modelAliases maps the user-facing aliases to runtime model identifiers.
var modelAliases = map[string]string{
	"opus":  "claude-opus-4-5",
	"haiku": "claude-haiku-4-5",
}

// quickAlias is the cheap-model path used by the heartbeat.
const quickAlias = "haiku"

// ResolveAlias translates a model alias to the underlying model identifier.
func ResolveAlias(alias string) (string, error) {
	model, ok := modelAliases[alias]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
	}
	return model, nil
}

// Aliases returns the supported aliases, sorted.
func Aliases() []string {
	out := make([]string, 0, len(modelAliases))
	for a := range modelAliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Turn is one user turn handed to the adapter.
type Turn struct {
	Text          string
	ResumeToken   string
	Model         string
	ContextPrefix string
	Env           zellij.EnvContext
}

// Events receives streaming output from a running turn. Nil callbacks are
// skipped.
type Events struct {
	OnText             func(fragment string)
	OnToolUse          func(name string)
	OnResultError      func(subtype string, errs []string)
	OnPermissionDenied func(toolName, reason string)
}

// Result is what a completed turn hands back to the executor.
type Result struct {
	// ResumeToken is the session id recorded from the init event, or the
	// input token when init never arrived.
	ResumeToken string
}

// ToolMount points a turn at the workspace-control MCP server.
type ToolMount struct {
	URL   string
	Token string
}

// Adapter runs model turns through the Claude Code CLI.
type Adapter struct {
	bin    string
	policy *Policy
	tools  *ToolMount
	logger *logger.Logger
}

// NewAdapter creates an adapter over the given CLI binary.
func NewAdapter(bin string, policy *Policy, log *logger.Logger) *Adapter {
	return &Adapter{
		bin:    bin,
		policy: policy,
		logger: log.WithFields(zap.String("component", "runtime")),
	}
}

// SetToolMount mounts the workspace tool server into subsequent turns.
func (a *Adapter) SetToolMount(m *ToolMount) {
	a.tools = m
}

// Run executes one turn. Fatal errors (spawn failure, unreadable output)
// come back as errors; model-level failures arrive through
// Events.OnResultError and Run still returns nil.
func (a *Adapter) Run(ctx context.Context, turn Turn, events Events) (Result, error) {
	ctx, span := tracing.Tracer("runtime").Start(ctx, "runtime.turn")
	defer span.End()

	model, err := ResolveAlias(turn.Model)
	if err != nil {
		return Result{ResumeToken: turn.ResumeToken}, err
	}

	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--model", model,
	}
	if turn.ResumeToken != "" {
		args = append(args, "--resume", turn.ResumeToken)
	}
	if a.tools != nil {
		mcpConfig, cleanup, err := writeMCPConfig(a.tools)
		if err != nil {
			return Result{ResumeToken: turn.ResumeToken}, err
		}
		defer cleanup()
		args = append(args, "--mcp-config", mcpConfig)
	}

	cmd := exec.CommandContext(ctx, a.bin, args...)
	cmd.Env = turn.Env.Environ(os.Environ())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{ResumeToken: turn.ResumeToken}, fmt.Errorf("opening runtime stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ResumeToken: turn.ResumeToken}, fmt.Errorf("opening runtime stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{ResumeToken: turn.ResumeToken}, fmt.Errorf("starting model runtime: %w", err)
	}

	client := claudecode.NewClient(stdin, stdout, a.logger)

	var sessionID string
	var sawResult bool
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		switch msg.Type {
		case claudecode.MessageTypeSystem:
			if msg.Subtype == claudecode.SubtypeInit && msg.SessionID != "" {
				sessionID = msg.SessionID
			}
		case claudecode.MessageTypeStreamEvent:
			if text := msg.TextDeltaText(); text != "" && events.OnText != nil {
				events.OnText(text)
			}
		case claudecode.MessageTypeAssistant:
			if msg.Message == nil || events.OnToolUse == nil {
				return
			}
			for _, block := range msg.Message.Content {
				if block.Type == "tool_use" {
					events.OnToolUse(block.Name)
				}
			}
		case claudecode.MessageTypeResult:
			sawResult = true
			if msg.IsError && events.OnResultError != nil {
				events.OnResultError(msg.Subtype, msg.ResultErrors())
			}
		}
	})

	client.SetRequestHandler(func(requestID string, req *claudecode.ControlRequest) {
		a.answerPermission(client, requestID, req, events)
	})

	prompt := turn.Text
	if turn.ContextPrefix != "" {
		prompt = turn.ContextPrefix + "\n\n" + turn.Text
	}
	if err := client.SendUserMessage(prompt); err != nil {
		_ = stdin.Close()
		_ = cmd.Wait()
		return Result{ResumeToken: turn.ResumeToken}, fmt.Errorf("sending turn to runtime: %w", err)
	}

	// Drain stdout fully before Wait so the pipe is never closed under
	// the scanner.
	runErr := client.Run(ctx)
	_ = stdin.Close()
	waitErr := cmd.Wait()

	resume := sessionID
	if resume == "" {
		resume = turn.ResumeToken
	}

	if runErr != nil {
		return Result{ResumeToken: resume}, fmt.Errorf("model runtime stream failed: %w", runErr)
	}
	if waitErr != nil && !sawResult {
		return Result{ResumeToken: resume}, fmt.Errorf("model runtime exited without a result: %w (%s)", waitErr, stderrTail(&stderr))
	}
	if waitErr != nil {
		a.logger.Debug("runtime exited nonzero after result", zap.Error(waitErr))
	}
	return Result{ResumeToken: resume}, nil
}

// Quick runs a one-shot cheap-model prompt with no resume token and no
// mounted tools. The heartbeat uses it for workspace suggestions.
func (a *Adapter) Quick(ctx context.Context, prompt string, env zellij.EnvContext) (string, error) {
	ctx, span := tracing.Tracer("runtime").Start(ctx, "runtime.quick")
	defer span.End()

	model, err := ResolveAlias(quickAlias)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, a.bin,
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--model", model,
		prompt,
	)
	cmd.Env = env.Environ(os.Environ())

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("opening runtime stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting model runtime: %w", err)
	}

	client := claudecode.NewClient(nopWriter{}, stdout, a.logger)

	var text strings.Builder
	var resultText string
	var resultErrs []string
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		switch msg.Type {
		case claudecode.MessageTypeStreamEvent:
			text.WriteString(msg.TextDeltaText())
		case claudecode.MessageTypeResult:
			if msg.IsError {
				resultErrs = msg.ResultErrors()
				return
			}
			resultText = msg.ResultString()
		}
	})

	runErr := client.Run(ctx)
	waitErr := cmd.Wait()

	if runErr != nil {
		return "", fmt.Errorf("model runtime stream failed: %w", runErr)
	}
	if len(resultErrs) > 0 {
		return "", fmt.Errorf("quick prompt failed: %s", strings.Join(resultErrs, "; "))
	}
	if resultText == "" && text.Len() == 0 {
		if waitErr != nil {
			return "", fmt.Errorf("model runtime exited without a result: %w (%s)", waitErr, stderrTail(&stderr))
		}
		return "", errors.New("model runtime produced no output")
	}
	if resultText != "" {
		return resultText, nil
	}
	return text.String(), nil
}

func (a *Adapter) answerPermission(client *claudecode.Client, requestID string, req *claudecode.ControlRequest, events Events) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		a.deny(client, requestID, "unsupported control request")
		return
	}

	decision := a.policy.Decide(req.ToolName, req.Input)
	if decision.Allow {
		a.respond(client, requestID, &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow})
		return
	}

	a.logger.Info("denied tool use",
		zap.String("tool", req.ToolName),
		zap.String("reason", decision.Reason))
	a.respond(client, requestID, &claudecode.PermissionResult{
		Behavior: claudecode.BehaviorDeny,
		Message:  decision.Reason,
	})
	if events.OnPermissionDenied != nil {
		events.OnPermissionDenied(req.ToolName, decision.Reason)
	}
}

func (a *Adapter) deny(client *claudecode.Client, requestID, reason string) {
	a.respond(client, requestID, &claudecode.PermissionResult{
		Behavior: claudecode.BehaviorDeny,
		Message:  reason,
	})
}

func (a *Adapter) respond(client *claudecode.Client, requestID string, result *claudecode.PermissionResult) {
	err := client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result:  result,
		},
	})
	if err != nil {
		a.logger.Warn("failed to answer permission request", zap.Error(err))
	}
}

func writeMCPConfig(m *ToolMount) (string, func(), error) {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"workspace": map[string]any{
				"type": "http",
				"url":  m.URL,
				"headers": map[string]string{
					"Authorization": "Bearer " + m.Token,
				},
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", nil, fmt.Errorf("encoding tool config: %w", err)
	}

	f, err := os.CreateTemp("", "jelly-j-mcp-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("writing tool config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("writing tool config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("writing tool config: %w", err)
	}
	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return "no stderr output"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " / ")
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
