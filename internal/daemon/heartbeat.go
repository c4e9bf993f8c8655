package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/tracing"
	"github.com/jellyj/jelly-j/internal/workspace"
	"github.com/jellyj/jelly-j/internal/zellij"
)

// overlayLifetime is how long a heartbeat suggestion pane stays open.
const overlayLifetime = 12 * time.Second

// Heartbeat periodically inspects each known multiplexer session and asks
// the cheap model for tidy-up actions: renaming default-named tabs and,
// when the workspace looks crowded, a one-line suggestion.
type Heartbeat struct {
	interval     time.Duration
	initialDelay time.Duration
	butler       *zellij.Butler
	cli          *zellij.CLI
	rt           Runtime
	sessions     *sessionSet
	busy         func() bool
	logger       *logger.Logger
}

// NewHeartbeat wires the probe. busy is polled at each tick so the
// heartbeat never competes with a user turn.
func NewHeartbeat(interval, initialDelay time.Duration, butler *zellij.Butler, cli *zellij.CLI, rt Runtime, sessions *sessionSet, busy func() bool, log *logger.Logger) *Heartbeat {
	return &Heartbeat{
		interval:     interval,
		initialDelay: initialDelay,
		butler:       butler,
		cli:          cli,
		rt:           rt,
		sessions:     sessions,
		busy:         busy,
		logger:       log.WithFields(zap.String("component", "heartbeat")),
	}
}

// Run ticks until the context ends. All tick errors are logged and
// swallowed; the heartbeat never surfaces into user-visible flow.
func (h *Heartbeat) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(h.initialDelay):
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	ctx, span := tracing.Tracer("heartbeat").Start(ctx, "heartbeat.tick")
	defer span.End()

	if h.busy() {
		h.logger.Debug("skipping tick, executor busy")
		return
	}

	for _, entry := range h.sessions.List() {
		h.probeSession(ctx, entry.Name, entry.Env)
	}
}

func (h *Heartbeat) probeSession(ctx context.Context, session string, env zellij.EnvContext) {
	log := h.logger.WithFields(zap.String("session", session))

	snap, err := h.butler.GetState(ctx, env)
	if err != nil {
		switch {
		case errors.Is(err, zellij.ErrNotReady):
			log.Debug("butler not ready, skipping this tick")
		case errors.Is(err, zellij.ErrTimeout):
			log.Info("session stopped answering, dropping it", zap.Error(err))
			h.sessions.Drop(session)
		default:
			log.Debug("workspace probe failed", zap.Error(err))
			if isNoSuchSession(err) {
				h.sessions.Drop(session)
			}
		}
		return
	}

	if !snap.HasDefaultNamedTab() && !snap.HasCrowdedTab() {
		return
	}

	reply, err := h.rt.Quick(ctx, h.prompt(snap), env)
	if err != nil {
		log.Debug("cheap-model probe failed", zap.Error(err))
		return
	}

	plan, err := parseHeartbeatPlan(reply)
	if err != nil {
		log.Debug("unusable heartbeat reply", zap.Error(err), zap.String("reply", reply))
		return
	}

	h.applyRenames(ctx, env, plan.Renames, log)

	if plan.Suggestion != "" {
		if err := h.cli.OpenOverlay(ctx, env, plan.Suggestion, overlayLifetime); err != nil {
			log.Debug("failed to open suggestion overlay", zap.Error(err))
		}
	}
}

// applyRenames re-verifies every target against a fresh snapshot so a tab
// the user renamed during the model round-trip is left alone.
func (h *Heartbeat) applyRenames(ctx context.Context, env zellij.EnvContext, renames []tabRename, log *logger.Logger) {
	if len(renames) == 0 {
		return
	}
	fresh, err := h.butler.GetState(ctx, env)
	if err != nil {
		log.Debug("could not re-verify tabs before rename", zap.Error(err))
		return
	}

	for _, r := range renames {
		tab := fresh.TabByPosition(r.Position)
		if tab == nil || !workspace.IsDefaultTabName(tab.Name) {
			continue
		}
		if r.Name == "" || workspace.IsDefaultTabName(r.Name) {
			continue
		}
		if err := h.butler.RenameTab(ctx, env, r.Position, r.Name); err != nil {
			log.Debug("tab rename failed", zap.Int("position", r.Position), zap.Error(err))
			continue
		}
		log.Info("renamed tab", zap.Int("position", r.Position), zap.String("name", r.Name))
	}
}

func (h *Heartbeat) prompt(snap *workspace.Snapshot) string {
	state, _ := json.Marshal(snap)
	return fmt.Sprintf(`You are a terminal workspace assistant. It is %s. Below is the current workspace state as JSON: tabs and the panes they contain.

%s

Suggest short descriptive names for tabs still carrying a default "Tab #N" name, based on the commands running in their panes. If a tab is crowded (more than four selectable panes), you may add one short suggestion for the user.

Reply with ONLY a JSON object of the form {"renames":[{"position":<int>,"name":"<string>"}],"suggestion":"<string, optional>"}. Use an empty renames array if nothing needs renaming.`,
		time.Now().Format("Mon, 02 Jan 2006 15:04"), state)
}

type tabRename struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
}

type heartbeatPlan struct {
	Renames    []tabRename `json:"renames"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// parseHeartbeatPlan decodes the model's JSON reply, tolerating markdown
// code fences around the object.
func parseHeartbeatPlan(reply string) (*heartbeatPlan, error) {
	s := strings.TrimSpace(reply)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	var plan heartbeatPlan
	if err := json.Unmarshal([]byte(s), &plan); err != nil {
		return nil, fmt.Errorf("decoding heartbeat plan: %w", err)
	}
	return &plan, nil
}

func isNoSuchSession(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no active session") ||
		strings.Contains(strings.ToLower(err.Error()), "no such session")
}
