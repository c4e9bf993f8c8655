package zellij

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/common/constants"
	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/workspace"
)

// pipeName is the message name the butler plugin listens on.
const pipeName = "jelly-j-request"

// Reserved error codes on the pipe RPC.
const (
	CodeNotReady = "not_ready"
	CodeTimeout  = "timeout"
)

// ErrNotReady means the plugin is loaded but its caches are not primed yet;
// callers retry with backoff or skip.
var ErrNotReady = errors.New("butler plugin not ready")

// RPCError is a structured failure from the butler plugin.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("butler rpc failed (%s): %s", e.Code, e.Message)
}

// Unwrap maps the reserved timeout code onto ErrTimeout so callers can
// errors.Is across the CLI deadline and the plugin's own timeout reply.
func (e *RPCError) Unwrap() error {
	if e.Code == CodeTimeout {
		return ErrTimeout
	}
	return nil
}

// butlerResponse is the wire shape of every pipe RPC reply.
type butlerResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TraceEntry is one line of the plugin's bounded in-memory trace.
type TraceEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// Butler is the pipe RPC client for the in-multiplexer butler plugin.
type Butler struct {
	cli       *CLI
	pluginURL string
	logger    *logger.Logger
}

// NewButler creates a pipe RPC client speaking through cli to the plugin
// at pluginURL.
func NewButler(cli *CLI, pluginURL string, log *logger.Logger) *Butler {
	return &Butler{
		cli:       cli,
		pluginURL: pluginURL,
		logger:    log.WithFields(zap.String("component", "butler")),
	}
}

// call performs one pipe RPC round-trip and returns the result payload.
func (b *Butler) call(ctx context.Context, env EnvContext, timeout time.Duration, req map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling pipe request: %w", err)
	}

	out, err := b.cli.run(ctx, env, timeout,
		"pipe", "--name", pipeName, "--plugin", b.pluginURL, "--", string(payload))
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, &RPCError{Code: CodeTimeout, Message: err.Error()}
		}
		return nil, err
	}

	// The pipe may echo unrelated output before the response line; take
	// the last non-empty line that parses.
	var resp butlerResponse
	parsed := false
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var candidate butlerResponse
		if json.Unmarshal(line, &candidate) == nil {
			resp = candidate
			parsed = true
		}
	}
	if !parsed {
		return nil, fmt.Errorf("no parseable response from butler pipe (op %v)", req["op"])
	}

	if !resp.OK {
		if resp.Code == CodeNotReady {
			return nil, fmt.Errorf("%w: %s", ErrNotReady, resp.Error)
		}
		return nil, &RPCError{Code: resp.Code, Message: resp.Error}
	}
	return resp.Result, nil
}

// Ping checks that the plugin is loaded and responsive.
func (b *Butler) Ping(ctx context.Context, env EnvContext) error {
	_, err := b.call(ctx, env, constants.ButlerOpTimeout, map[string]any{"op": "ping"})
	return err
}

// GetState returns the plugin's cached workspace snapshot.
func (b *Butler) GetState(ctx context.Context, env EnvContext) (*workspace.Snapshot, error) {
	result, err := b.call(ctx, env, constants.ButlerOpTimeout, map[string]any{"op": "get_state"})
	if err != nil {
		return nil, err
	}
	var snap workspace.Snapshot
	if err := json.Unmarshal(result, &snap); err != nil {
		return nil, fmt.Errorf("parsing workspace snapshot: %w", err)
	}
	return &snap, nil
}

// GetTrace returns up to limit entries of the plugin trace (0 = all).
func (b *Butler) GetTrace(ctx context.Context, env EnvContext, limit int) ([]TraceEntry, error) {
	req := map[string]any{"op": "get_trace"}
	if limit > 0 {
		req["limit"] = limit
	}
	result, err := b.call(ctx, env, constants.ButlerOpTimeout, req)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Entries []TraceEntry `json:"entries"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return nil, fmt.Errorf("parsing trace entries: %w", err)
	}
	return wrapper.Entries, nil
}

// ClearTrace empties the plugin trace buffer.
func (b *Butler) ClearTrace(ctx context.Context, env EnvContext) error {
	_, err := b.call(ctx, env, constants.ButlerOpTimeout, map[string]any{"op": "clear_trace"})
	return err
}

// RenameTab renames the tab at position without moving focus.
func (b *Butler) RenameTab(ctx context.Context, env EnvContext, position int, name string) error {
	_, err := b.call(ctx, env, constants.ButlerOpTimeout, map[string]any{
		"op": "rename_tab", "position": position, "name": name,
	})
	return err
}

// RenamePane renames the pane with the given id.
func (b *Butler) RenamePane(ctx context.Context, env EnvContext, paneID uint32, name string) error {
	_, err := b.call(ctx, env, constants.ButlerOpTimeout, map[string]any{
		"op": "rename_pane", "pane_id": paneID, "name": name,
	})
	return err
}

// HidePane suppresses the pane with the given id.
func (b *Butler) HidePane(ctx context.Context, env EnvContext, paneID uint32) error {
	_, err := b.call(ctx, env, constants.ButlerToggleTimeout, map[string]any{
		"op": "hide_pane", "pane_id": paneID,
	})
	return err
}

// ShowPane reveals a previously hidden pane.
func (b *Butler) ShowPane(ctx context.Context, env EnvContext, paneID uint32, floatIfHidden, focus bool) error {
	_, err := b.call(ctx, env, constants.ButlerToggleTimeout, map[string]any{
		"op":                    "show_pane",
		"pane_id":               paneID,
		"should_float_if_hidden": floatIfHidden,
		"should_focus_pane":      focus,
	})
	return err
}
