package daemon

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/daemon/queue"
	"github.com/jellyj/jelly-j/internal/history"
	"github.com/jellyj/jelly-j/internal/runtime"
	"github.com/jellyj/jelly-j/internal/statedir"
	"github.com/jellyj/jelly-j/internal/zellij"
	"github.com/jellyj/jelly-j/pkg/protocol"
)

// scriptedRuntime replays one canned behavior per Run call.
type scriptedRuntime struct {
	calls []runtimeCall
	runs  []runtime.Turn
}

type runtimeCall struct {
	text        string
	toolUses    []string
	errSubtype  string
	errTexts    []string
	resumeToken string
	fatal       error
}

func (s *scriptedRuntime) Run(ctx context.Context, turn runtime.Turn, events runtime.Events) (runtime.Result, error) {
	s.runs = append(s.runs, turn)
	if len(s.calls) == 0 {
		return runtime.Result{ResumeToken: turn.ResumeToken}, nil
	}
	call := s.calls[0]
	s.calls = s.calls[1:]

	if call.fatal != nil {
		return runtime.Result{ResumeToken: turn.ResumeToken}, call.fatal
	}
	if call.text != "" && events.OnText != nil {
		events.OnText(call.text)
	}
	for _, name := range call.toolUses {
		if events.OnToolUse != nil {
			events.OnToolUse(name)
		}
	}
	if len(call.errTexts) > 0 && events.OnResultError != nil {
		events.OnResultError(call.errSubtype, call.errTexts)
	}
	token := call.resumeToken
	if token == "" {
		token = turn.ResumeToken
	}
	return runtime.Result{ResumeToken: token}, nil
}

func (s *scriptedRuntime) Quick(ctx context.Context, prompt string, env zellij.EnvContext) (string, error) {
	return "", nil
}

type executorFixture struct {
	exec    *Executor
	state   *StateStore
	journal *history.Journal
	reg     *Registry
	rt      *scriptedRuntime
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	dir := t.TempDir()
	state, err := LoadState(statedir.StatePath(dir))
	require.NoError(t, err)
	journal := history.NewJournal(statedir.HistoryPath(dir))
	reg := NewRegistry(logger.Nop())
	rt := &scriptedRuntime{}
	exec := NewExecutor(queue.New(), reg, journal, state, rt, nil, "opus", logger.Nop())
	return &executorFixture{exec: exec, state: state, journal: journal, reg: reg, rt: rt}
}

// connect registers a client over a pipe and returns the reading side.
func (f *executorFixture) connect(t *testing.T, clientID string) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	f.reg.Register(f.reg.NextKey(), clientID, "", zellij.EnvContext{}, server)
	return client
}

func TestExecuteHappyPath(t *testing.T) {
	f := newExecutorFixture(t)
	f.rt.calls = []runtimeCall{{text: "hello there", resumeToken: "sid-new"}}
	conn := f.connect(t, "c1")

	framesCh := make(chan []*protocol.Frame, 1)
	go func() { framesCh <- readAll(conn, 3) }()

	f.exec.execute(context.Background(), &queue.Turn{RequestID: "r1", ClientID: "c1", Text: "hi"})

	frames := <-framesCh
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.TypeChatStart, frames[0].Type)
	assert.Equal(t, protocol.TypeChatDelta, frames[1].Type)
	assert.Equal(t, "hello there", frames[1].Text)
	assert.Equal(t, protocol.TypeChatEnd, frames[2].Type)

	assert.Equal(t, "sid-new", f.state.ResumeToken())
	assert.False(t, f.exec.Busy())

	entries, err := f.journal.Snapshot(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.RoleUser, entries[0].Role)
	assert.Equal(t, protocol.RoleAssistant, entries[1].Role)
	assert.Equal(t, "hello there", entries[1].Text)
}

func TestStaleResumeRetriesOnce(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.state.Update(func(st *ConversationState) { st.SessionID = "stale-token" }))
	f.rt.calls = []runtimeCall{
		{errSubtype: "error_during_execution", errTexts: []string{"No conversation found with session ID: stale-token"}},
		{text: "ok", resumeToken: "sid-fresh"},
	}
	conn := f.connect(t, "c1")

	framesCh := make(chan []*protocol.Frame, 1)
	go func() { framesCh <- readAll(conn, 4) }()

	f.exec.execute(context.Background(), &queue.Turn{RequestID: "r1", ClientID: "c1", Text: "hi"})

	frames := <-framesCh
	var types []string
	for _, fr := range frames {
		types = append(types, fr.Type)
		// The stale error never reaches the client.
		assert.NotEqual(t, protocol.TypeResultError, fr.Type)
	}
	assert.Equal(t, []string{
		protocol.TypeChatStart,
		protocol.TypeStatusNote,
		protocol.TypeChatDelta,
		protocol.TypeChatEnd,
	}, types)

	// Two runtime attempts: with the stale token, then without.
	require.Len(t, f.rt.runs, 2)
	assert.Equal(t, "stale-token", f.rt.runs[0].ResumeToken)
	assert.Empty(t, f.rt.runs[1].ResumeToken)
	assert.Equal(t, "sid-fresh", f.state.ResumeToken())
}

func TestSecondStaleFailureForwards(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.state.Update(func(st *ConversationState) { st.SessionID = "stale" }))
	f.rt.calls = []runtimeCall{
		{errSubtype: "error", errTexts: []string{"no conversation found with session id stale"}},
		{errSubtype: "error", errTexts: []string{"rate limited"}},
	}
	conn := f.connect(t, "c1")

	framesCh := make(chan []*protocol.Frame, 1)
	go func() { framesCh <- readAll(conn, 4) }()

	f.exec.execute(context.Background(), &queue.Turn{RequestID: "r1", ClientID: "c1", Text: "hi"})

	frames := <-framesCh
	require.Len(t, frames, 4)
	assert.Equal(t, protocol.TypeResultError, frames[2].Type)
	end := frames[3]
	assert.Equal(t, protocol.TypeChatEnd, end.Type)
}

func TestUnmatchedErrorDoesNotRetry(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.state.Update(func(st *ConversationState) { st.SessionID = "token" }))
	f.rt.calls = []runtimeCall{
		{errSubtype: "error", errTexts: []string{"rate limited"}},
	}

	f.exec.execute(context.Background(), &queue.Turn{RequestID: "r1", ClientID: "nobody", Text: "hi"})

	require.Len(t, f.rt.runs, 1)

	entries, err := f.journal.Snapshot(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.RoleError, entries[1].Role)
}

func TestSessionSwitchNote(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.state.Update(func(st *ConversationState) { st.ZellijSession = "A" }))
	f.rt.calls = []runtimeCall{{text: "ok"}}
	conn := f.connect(t, "c1")

	framesCh := make(chan []*protocol.Frame, 1)
	go func() { framesCh <- readAll(conn, 4) }()

	f.exec.execute(context.Background(), &queue.Turn{RequestID: "r2", ClientID: "c1", Text: "hi", Session: "B"})

	frames := <-framesCh
	require.Len(t, frames, 4)
	assert.Equal(t, protocol.TypeStatusNote, frames[0].Type)
	assert.Equal(t, "session switched: A -> B", frames[0].Message)
	assert.Equal(t, protocol.TypeChatStart, frames[1].Type)
	assert.Equal(t, "B", f.state.Get().ZellijSession)

	// The context prefix carried the switch statement.
	require.Len(t, f.rt.runs, 1)
	assert.Contains(t, f.rt.runs[0].ContextPrefix, `"A"`)
}

func TestDisconnectedOriginatorStillAdvancesState(t *testing.T) {
	f := newExecutorFixture(t)
	f.rt.calls = []runtimeCall{{text: "quiet", resumeToken: "sid-9"}}

	f.exec.execute(context.Background(), &queue.Turn{RequestID: "r1", ClientID: "gone", Text: "hi"})

	assert.Equal(t, "sid-9", f.state.ResumeToken())
	entries, err := f.journal.Snapshot(10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// readAll reads n frames from conn, returning early on error.
func readAll(conn net.Conn, n int) []*protocol.Frame {
	dec := protocol.NewDecoder(conn)
	out := make([]*protocol.Frame, 0, n)
	for len(out) < n {
		f, err := dec.Next()
		if err != nil {
			return out
		}
		out = append(out, f)
	}
	return out
}
