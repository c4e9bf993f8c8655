package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/daemon/queue"
	"github.com/jellyj/jelly-j/internal/history"
	"github.com/jellyj/jelly-j/internal/runtime"
	"github.com/jellyj/jelly-j/internal/tracing"
	"github.com/jellyj/jelly-j/internal/zellij"
	"github.com/jellyj/jelly-j/pkg/protocol"
)

// Runtime is the model-runtime surface the executor and heartbeat need.
// The production implementation is *runtime.Adapter; tests inject fakes.
type Runtime interface {
	Run(ctx context.Context, turn runtime.Turn, events runtime.Events) (runtime.Result, error)
	Quick(ctx context.Context, prompt string, env zellij.EnvContext) (string, error)
}

// envPublisher receives the active environment context before each turn so
// tool subprocesses target the right multiplexer session.
type envPublisher interface {
	SetEnv(env zellij.EnvContext)
}

// Executor drains the turn queue one turn at a time. It owns the busy
// flag, the current model alias, and the per-turn stale-resume retry.
type Executor struct {
	queue    *queue.Queue
	registry *Registry
	journal  *history.Journal
	state    *StateStore
	rt       Runtime
	env      envPublisher
	logger   *logger.Logger

	busy atomic.Bool

	aliasMu sync.RWMutex
	alias   string
}

// NewExecutor wires an executor. defaultAlias must be a valid model alias.
func NewExecutor(q *queue.Queue, reg *Registry, journal *history.Journal, state *StateStore, rt Runtime, env envPublisher, defaultAlias string, log *logger.Logger) *Executor {
	return &Executor{
		queue:    q,
		registry: reg,
		journal:  journal,
		state:    state,
		rt:       rt,
		env:      env,
		alias:    defaultAlias,
		logger:   log.WithFields(zap.String("component", "executor")),
	}
}

// Busy reports whether a turn is in flight.
func (e *Executor) Busy() bool { return e.busy.Load() }

// Model returns the current model alias.
func (e *Executor) Model() string {
	e.aliasMu.RLock()
	defer e.aliasMu.RUnlock()
	return e.alias
}

// SetModel changes the conversation model; the alias must already be
// validated against the closed set.
func (e *Executor) SetModel(alias string) {
	e.aliasMu.Lock()
	e.alias = alias
	e.aliasMu.Unlock()
}

// Run drains the queue until the context ends or the queue closes.
func (e *Executor) Run(ctx context.Context) error {
	for {
		turn, err := e.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		e.execute(ctx, turn)
	}
}

// execute runs one turn through the adapter, translating events into
// frames for the originating client.
func (e *Executor) execute(ctx context.Context, turn *queue.Turn) {
	ctx, span := tracing.Tracer("executor").Start(ctx, "executor.turn")
	defer span.End()

	e.busy.Store(true)
	defer e.busy.Store(false)
	defer e.queue.Done()

	if e.env != nil {
		e.env.SetEnv(turn.Env)
	}

	model := e.Model()
	prefix := e.contextPrefix(turn)

	if err := e.journal.AppendUser(turn.Session, turn.Text); err != nil {
		e.logger.Error("failed to append user history entry", zap.Error(err))
	}
	e.registry.SendTo(turn.ClientID, protocol.NewChatStart(turn.RequestID, model, turn.QueuedAhead))

	ok := e.runWithRecovery(ctx, turn, model, prefix)

	e.registry.SendTo(turn.ClientID, protocol.NewChatEnd(turn.RequestID, ok, model))
}

// runWithRecovery runs the adapter, retrying once without a resume token
// when the first failure is a stale-session error that arrived before any
// assistant text.
func (e *Executor) runWithRecovery(ctx context.Context, turn *queue.Turn, model, prefix string) bool {
	token := e.state.ResumeToken()

	for attempt := 0; attempt < 2; attempt++ {
		outcome := e.runOnce(ctx, turn, model, prefix, token)

		if outcome.staleResume && attempt == 0 {
			e.logger.Info("resume token is stale, retrying with a fresh conversation",
				zap.String("request_id", turn.RequestID))
			e.registry.SendTo(turn.ClientID, protocol.NewStatusNote(
				"previous conversation could not be resumed; starting a fresh one"))
			if err := e.state.ClearToken(); err != nil {
				e.logger.Error("failed to clear resume token", zap.Error(err))
			}
			token = ""
			continue
		}

		e.finishTurn(turn, outcome)
		return outcome.ok()
	}
	return false
}

// turnOutcome is everything one adapter attempt produced.
type turnOutcome struct {
	text        strings.Builder
	sawText     bool
	hadError    bool
	errorText   string
	runErr      error
	staleResume bool
	resumeToken string
}

func (o *turnOutcome) ok() bool {
	return o.runErr == nil && !o.hadError
}

func (e *Executor) runOnce(ctx context.Context, turn *queue.Turn, model, prefix, token string) *turnOutcome {
	o := &turnOutcome{}

	events := runtime.Events{
		OnText: func(fragment string) {
			o.sawText = true
			o.text.WriteString(fragment)
			e.registry.SendTo(turn.ClientID, protocol.NewChatDelta(turn.RequestID, fragment))
		},
		OnToolUse: func(name string) {
			e.registry.SendTo(turn.ClientID, protocol.NewToolUse(turn.RequestID, name))
		},
		OnResultError: func(subtype string, errs []string) {
			// A stale-session error before any assistant text while
			// holding a token is buffered, not forwarded: the retry
			// hides it from the client.
			if !o.sawText && token != "" && runtime.IsStaleSessionError(errs) {
				o.staleResume = true
				return
			}
			o.hadError = true
			o.errorText = strings.Join(errs, "; ")
			e.registry.SendTo(turn.ClientID, protocol.NewResultError(turn.RequestID, subtype, errs))
		},
		OnPermissionDenied: func(toolName, reason string) {
			e.registry.SendTo(turn.ClientID, protocol.NewStatusNote(
				fmt.Sprintf("denied %s: %s", toolName, reason)))
		},
	}

	res, err := e.rt.Run(ctx, runtime.Turn{
		Text:          turn.Text,
		ResumeToken:   token,
		Model:         model,
		ContextPrefix: prefix,
		Env:           turn.Env,
	}, events)
	o.resumeToken = res.ResumeToken

	if err != nil {
		if !o.sawText && token != "" && runtime.IsStaleSessionText(err.Error()) {
			o.staleResume = true
			return o
		}
		o.runErr = err
		o.errorText = err.Error()
		e.registry.SendTo(turn.ClientID, protocol.NewResultError(
			turn.RequestID, "runtime_failure", []string{err.Error()}))
	}
	return o
}

// finishTurn records the attempt's outcome: resume token, session tag,
// and the history entry.
func (e *Executor) finishTurn(turn *queue.Turn, o *turnOutcome) {
	err := e.state.Update(func(st *ConversationState) {
		if o.resumeToken != "" {
			st.SessionID = o.resumeToken
		}
		if turn.Session != "" {
			st.ZellijSession = turn.Session
		}
	})
	if err != nil {
		e.logger.Error("failed to persist conversation state", zap.Error(err))
	}

	if o.ok() {
		if err := e.journal.AppendAssistant(turn.Session, o.text.String()); err != nil {
			e.logger.Error("failed to append assistant history entry", zap.Error(err))
		}
		return
	}
	text := o.errorText
	if text == "" {
		text = "turn failed"
	}
	if err := e.journal.AppendError(turn.Session, text); err != nil {
		e.logger.Error("failed to append error history entry", zap.Error(err))
	}
}

// contextPrefix composes the one-turn preamble: wall clock plus, when the
// session tag moved, a session-switch statement. The switch also produces
// a status_note ahead of chat_start.
func (e *Executor) contextPrefix(turn *queue.Turn) string {
	now := time.Now()
	zone, _ := now.Zone()
	prefix := fmt.Sprintf("Current time: %s (%s).", now.Format("Mon, 02 Jan 2006 15:04:05"), zone)

	last := e.state.Get().ZellijSession
	if turn.Session != "" && last != "" && turn.Session != last {
		e.registry.SendTo(turn.ClientID, protocol.NewStatusNote(
			fmt.Sprintf("session switched: %s -> %s", last, turn.Session)))
		prefix += fmt.Sprintf(" The user has moved from multiplexer session %q to %q; workspace state may differ from earlier in the conversation.", last, turn.Session)
	}
	return prefix
}
