package workspace

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyj/jelly-j/internal/common/logger"
)

// recordingController captures tool calls so tests can assert on the exact
// arguments that reach the workspace surface.
type recordingController struct {
	snapshot *Snapshot
	stateErr error
	calls    []string
}

func (c *recordingController) State(context.Context) (*Snapshot, error) {
	c.calls = append(c.calls, "state")
	if c.stateErr != nil {
		return nil, c.stateErr
	}
	return c.snapshot, nil
}

func (c *recordingController) RenameTab(_ context.Context, position int, name string) error {
	c.calls = append(c.calls, fmt.Sprintf("rename_tab:%d:%s", position, name))
	return nil
}

func (c *recordingController) RenamePane(_ context.Context, paneID uint32, name string) error {
	c.calls = append(c.calls, fmt.Sprintf("rename_pane:%d:%s", paneID, name))
	return nil
}

func (c *recordingController) HidePane(_ context.Context, paneID uint32) error {
	c.calls = append(c.calls, fmt.Sprintf("hide_pane:%d", paneID))
	return nil
}

func (c *recordingController) ShowPane(_ context.Context, paneID uint32, floatIfHidden, focus bool) error {
	c.calls = append(c.calls, fmt.Sprintf("show_pane:%d:%t:%t", paneID, floatIfHidden, focus))
	return nil
}

func (c *recordingController) OpenOverlay(_ context.Context, text string) error {
	c.calls = append(c.calls, "overlay:"+text)
	return nil
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestStateToolReturnsSnapshotJSON(t *testing.T) {
	ctrl := &recordingController{snapshot: &Snapshot{
		Tabs: []Tab{{Position: 0, Name: "Tab #1", Active: true}},
	}}
	s := NewServer(ctrl, logger.Nop())

	res, err := s.stateHandler(context.Background(), callReq("workspace_state", nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), `"Tab #1"`)
}

func TestRenameTabToolForwardsArguments(t *testing.T) {
	ctrl := &recordingController{}
	s := NewServer(ctrl, logger.Nop())

	res, err := s.renameTabHandler(context.Background(), callReq("rename_tab", map[string]any{
		"position": 2.0,
		"name":     "build",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"rename_tab:2:build"}, ctrl.calls)
}

func TestRenameTabToolRejectsMissingArguments(t *testing.T) {
	s := NewServer(&recordingController{}, logger.Nop())

	res, err := s.renameTabHandler(context.Background(), callReq("rename_tab", map[string]any{
		"position": 1.0,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestShowPaneToolFlags(t *testing.T) {
	ctrl := &recordingController{}
	s := NewServer(ctrl, logger.Nop())

	res, err := s.showPaneHandler(context.Background(), callReq("show_pane", map[string]any{
		"pane_id":         7.0,
		"float_if_hidden": true,
		"focus":           true,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"show_pane:7:true:true"}, ctrl.calls)
}

func TestOpenOverlayTool(t *testing.T) {
	ctrl := &recordingController{}
	s := NewServer(ctrl, logger.Nop())

	res, err := s.openOverlayHandler(context.Background(), callReq("open_overlay", map[string]any{
		"text": "tab 3 looks crowded",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "overlay opened")
	assert.Equal(t, []string{"overlay:tab 3 looks crowded"}, ctrl.calls)
}

func TestServerRequiresBearerToken(t *testing.T) {
	s := NewServer(&recordingController{snapshot: &Snapshot{}}, logger.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	// No token.
	resp, err := http.Post(s.URL(), "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct token passes the middleware (the transport may still reject
	// the body, but not with 401).
	req, err := http.NewRequest(http.MethodPost, s.URL(), strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.Token())
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.NotEqual(t, http.StatusUnauthorized, resp2.StatusCode)
}
