package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/zellij"
)

// fakeRuntime writes a shell script standing in for the claude binary. It
// records its arguments, reads one stdin line (the user message), then
// prints the scripted stream-json lines.
func fakeRuntime(t *testing.T, lines ...string) (*Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	argsFile := filepath.Join(dir, "args")

	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("printf '%s\\n' \"$@\" > " + argsFile + "\n")
	sb.WriteString("read -r _line\n")
	for _, line := range lines {
		sb.WriteString("printf '%s\\n' '" + strings.ReplaceAll(line, "'", `'\''`) + "'\n")
	}
	require.NoError(t, os.WriteFile(bin, []byte(sb.String()), 0o755))

	return NewAdapter(bin, DefaultPolicy(dir), logger.Nop()), argsFile
}

func recordedArgs(t *testing.T, argsFile string) []string {
	t.Helper()
	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestRunStreamsTextAndReturnsToken(t *testing.T) {
	a, _ := fakeRuntime(t,
		`{"type":"system","subtype":"init","session_id":"sid-42"}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi "}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"there"}}}`,
		`{"type":"result","is_error":false,"result":"hi there"}`,
	)

	var text strings.Builder
	res, err := a.Run(context.Background(), Turn{Text: "hello", Model: "opus"}, Events{
		OnText: func(s string) { text.WriteString(s) },
	})
	require.NoError(t, err)
	assert.Equal(t, "sid-42", res.ResumeToken)
	assert.Equal(t, "hi there", text.String())
}

func TestRunPassesResumeAndModelFlags(t *testing.T) {
	a, argsFile := fakeRuntime(t,
		`{"type":"system","subtype":"init","session_id":"sid-2"}`,
		`{"type":"result","is_error":false}`,
	)

	_, err := a.Run(context.Background(), Turn{Text: "x", Model: "haiku", ResumeToken: "old-token"}, Events{})
	require.NoError(t, err)

	args := recordedArgs(t, argsFile)
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "old-token")
	model, modelErr := ResolveAlias("haiku")
	require.NoError(t, modelErr)
	assert.Contains(t, args, model)
}

func TestRunKeepsInputTokenWithoutInit(t *testing.T) {
	a, _ := fakeRuntime(t,
		`{"type":"result","is_error":true,"errors":["No conversation found with session ID: old-token"]}`,
	)

	var subtype string
	var errs []string
	res, err := a.Run(context.Background(), Turn{Text: "x", Model: "opus", ResumeToken: "old-token"}, Events{
		OnResultError: func(st string, es []string) { subtype = st; errs = es },
	})
	require.NoError(t, err)
	assert.Equal(t, "old-token", res.ResumeToken)
	assert.Empty(t, subtype)
	require.Len(t, errs, 1)
	assert.True(t, IsStaleSessionError(errs))
}

func TestRunSurfacesToolUse(t *testing.T) {
	a, _ := fakeRuntime(t,
		`{"type":"system","subtype":"init","session_id":"sid-3"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Read"}]}}`,
		`{"type":"result","is_error":false}`,
	)

	var tools []string
	_, err := a.Run(context.Background(), Turn{Text: "x", Model: "opus"}, Events{
		OnToolUse: func(name string) { tools = append(tools, name) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Read"}, tools)
}

func TestRunRejectsUnknownAlias(t *testing.T) {
	a, _ := fakeRuntime(t)

	_, err := a.Run(context.Background(), Turn{Text: "x", Model: "sonnet"}, Events{})
	assert.ErrorIs(t, err, ErrUnknownAlias)
}

func TestRunFailsWhenBinaryMissing(t *testing.T) {
	a := NewAdapter(filepath.Join(t.TempDir(), "nope"), DefaultPolicy(t.TempDir()), logger.Nop())

	_, err := a.Run(context.Background(), Turn{Text: "x", Model: "opus"}, Events{})
	assert.Error(t, err)
}

func TestQuickReturnsResultText(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' '{\"type\":\"result\",\"is_error\":false,\"result\":\"{\\\"renames\\\":[]}\"}'\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	a := NewAdapter(bin, DefaultPolicy(dir), logger.Nop())

	out, err := a.Quick(context.Background(), "describe workspace", zellij.EnvContext{})
	require.NoError(t, err)
	assert.Equal(t, `{"renames":[]}`, out)
}

func TestQuickErrorResult(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' '{\"type\":\"result\",\"is_error\":true,\"errors\":[\"overloaded\"]}'\n" +
		"exit 1\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	a := NewAdapter(bin, DefaultPolicy(dir), logger.Nop())

	_, err := a.Quick(context.Background(), "x", zellij.EnvContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}
