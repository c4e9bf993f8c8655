package daemon

import (
	"context"
	"sync"

	"github.com/jellyj/jelly-j/internal/workspace"
	"github.com/jellyj/jelly-j/internal/zellij"
)

// workspaceController implements workspace.Controller against the butler
// pipe RPC and the multiplexer CLI, bound to whichever session's
// environment the executor last published.
type workspaceController struct {
	butler *zellij.Butler
	cli    *zellij.CLI

	mu  sync.RWMutex
	env zellij.EnvContext
}

func newWorkspaceController(butler *zellij.Butler, cli *zellij.CLI) *workspaceController {
	return &workspaceController{butler: butler, cli: cli}
}

// SetEnv publishes the active environment context; called by the executor
// before every turn.
func (w *workspaceController) SetEnv(env zellij.EnvContext) {
	w.mu.Lock()
	w.env = env
	w.mu.Unlock()
}

func (w *workspaceController) currentEnv() zellij.EnvContext {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.env
}

func (w *workspaceController) State(ctx context.Context) (*workspace.Snapshot, error) {
	return w.butler.GetState(ctx, w.currentEnv())
}

func (w *workspaceController) RenameTab(ctx context.Context, position int, name string) error {
	return w.butler.RenameTab(ctx, w.currentEnv(), position, name)
}

func (w *workspaceController) RenamePane(ctx context.Context, paneID uint32, name string) error {
	return w.butler.RenamePane(ctx, w.currentEnv(), paneID, name)
}

func (w *workspaceController) HidePane(ctx context.Context, paneID uint32) error {
	return w.butler.HidePane(ctx, w.currentEnv(), paneID)
}

func (w *workspaceController) ShowPane(ctx context.Context, paneID uint32, floatIfHidden, focus bool) error {
	return w.butler.ShowPane(ctx, w.currentEnv(), paneID, floatIfHidden, focus)
}

func (w *workspaceController) OpenOverlay(ctx context.Context, text string) error {
	return w.cli.OpenOverlay(ctx, w.currentEnv(), text, overlayLifetime)
}

var _ workspace.Controller = (*workspaceController)(nil)
