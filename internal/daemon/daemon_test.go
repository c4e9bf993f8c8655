package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyj/jelly-j/internal/common/config"
	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/statedir"
	"github.com/jellyj/jelly-j/pkg/protocol"
)

// echoScript is a model-runtime stand-in: it reads the user message and
// streams a fixed reply. With --resume it fails with a stale-session error
// so recovery paths can be exercised.
const echoScript = `#!/bin/sh
resume=0
for arg in "$@"; do
  [ "$arg" = "--resume" ] && resume=1
done
read -r _line
if [ "$resume" = "1" ]; then
  printf '%s\n' '{"type":"result","is_error":true,"errors":["No conversation found with session ID: whatever"]}'
  exit 1
fi
printf '%s\n' '{"type":"system","subtype":"init","session_id":"sid-test"}'
printf '%s\n' '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"ok"}}}'
printf '%s\n' '{"type":"result","is_error":false,"result":"ok"}'
`

// slowScript is echoScript with a pause before replying, so a second
// request can queue behind the first.
const slowScript = `#!/bin/sh
read -r _line
sleep 0.3
printf '%s\n' '{"type":"system","subtype":"init","session_id":"sid-test"}'
printf '%s\n' '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"ok"}}}'
printf '%s\n' '{"type":"result","is_error":false,"result":"ok"}'
`

func startDaemon(t *testing.T, script string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	stateDir := filepath.Join(dir, "state")
	cfg := &config.Config{
		StateDir:  stateDir,
		Model:     config.ModelConfig{Default: "opus"},
		History:   config.HistoryConfig{SnapshotLimit: 80},
		Heartbeat: config.HeartbeatConfig{Enabled: false, Interval: time.Minute},
		Runtime:   config.RuntimeConfig{Bin: bin},
	}

	d := New(cfg, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	socket := statedir.SocketPath(stateDir)
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond, "daemon never started listening")
	return socket, stateDir
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
}

func dialClient(t *testing.T, socket string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, enc: protocol.NewEncoder(conn), dec: protocol.NewDecoder(conn)}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.enc.Encode(v))
}

func (c *testClient) next() *protocol.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err := c.dec.Next()
	require.NoError(c.t, err)
	return f
}

func (c *testClient) register(id string) {
	c.t.Helper()
	c.send(map[string]any{"type": "register_client", "clientId": id})
	reg := c.next()
	require.Equal(c.t, protocol.TypeRegistered, reg.Type)
	require.Equal(c.t, id, reg.ClientID)
	snap := c.next()
	require.Equal(c.t, protocol.TypeHistorySnapshot, snap.Type)
}

func TestHappyPathTurn(t *testing.T) {
	socket, stateDir := startDaemon(t, echoScript)
	c := dialClient(t, socket)
	c.register("c1")

	c.send(map[string]any{"type": "chat_request", "requestId": "r1", "clientId": "c1", "text": "hi"})

	start := c.next()
	assert.Equal(t, protocol.TypeChatStart, start.Type)
	assert.Equal(t, "r1", start.RequestID)
	assert.Equal(t, "opus", start.Model)
	assert.Equal(t, 0, start.QueuedAhead)

	delta := c.next()
	assert.Equal(t, protocol.TypeChatDelta, delta.Type)
	assert.Equal(t, "ok", delta.Text)

	end := c.next()
	assert.Equal(t, protocol.TypeChatEnd, end.Type)
	assert.True(t, end.OK)

	// History gained a user and an assistant entry, in that order.
	journal, err := os.ReadFile(statedir.HistoryPath(stateDir))
	require.NoError(t, err)
	assert.Contains(t, string(journal), `"user"`)
	assert.Contains(t, string(journal), `"assistant"`)

	// The resume token was persisted.
	state, err := os.ReadFile(statedir.StatePath(stateDir))
	require.NoError(t, err)
	assert.Contains(t, string(state), "sid-test")
}

func TestTwoClientsSerialize(t *testing.T) {
	socket, _ := startDaemon(t, slowScript)
	c1 := dialClient(t, socket)
	c1.register("c1")
	c2 := dialClient(t, socket)
	c2.register("c2")

	c1.send(map[string]any{"type": "chat_request", "requestId": "r1", "clientId": "c1", "text": "first"})
	time.Sleep(100 * time.Millisecond)
	c2.send(map[string]any{"type": "chat_request", "requestId": "r2", "clientId": "c2", "text": "second"})

	// c1 sees its full stream; no frames for r2 ever reach c1.
	for _, wantType := range []string{protocol.TypeChatStart, protocol.TypeChatDelta, protocol.TypeChatEnd} {
		f := c1.next()
		assert.Equal(t, wantType, f.Type)
		assert.Equal(t, "r1", f.RequestID)
	}

	// c2's chat_start reports one turn ahead and arrives with r2 only.
	start := c2.next()
	assert.Equal(t, protocol.TypeChatStart, start.Type)
	assert.Equal(t, "r2", start.RequestID)
	assert.Equal(t, 1, start.QueuedAhead)
}

func TestStaleResumeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(bin, []byte(echoScript), 0o755))
	stateDir := filepath.Join(dir, "state")
	require.NoError(t, os.MkdirAll(stateDir, 0o700))
	// Seed a poisoned resume token before the daemon reads state.
	require.NoError(t, os.WriteFile(statedir.StatePath(stateDir),
		[]byte(`{"sessionId":"00000000-0000-0000-0000-000000000000"}`), 0o600))

	cfg := &config.Config{
		StateDir:  stateDir,
		Model:     config.ModelConfig{Default: "opus"},
		History:   config.HistoryConfig{SnapshotLimit: 80},
		Heartbeat: config.HeartbeatConfig{Enabled: false, Interval: time.Minute},
		Runtime:   config.RuntimeConfig{Bin: bin},
	}
	d := New(cfg, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	socket := statedir.SocketPath(stateDir)
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	c := dialClient(t, socket)
	c.register("c1")
	c.send(map[string]any{"type": "chat_request", "requestId": "r1", "clientId": "c1", "text": "reply with exactly: ok"})

	// The stale error never reaches the client; the retry succeeds.
	start := c.next()
	assert.Equal(t, protocol.TypeChatStart, start.Type)
	note := c.next()
	assert.Equal(t, protocol.TypeStatusNote, note.Type)
	assert.Contains(t, note.Message, "fresh")

	var sawDelta bool
	for {
		f := c.next()
		require.NotEqual(t, protocol.TypeResultError, f.Type)
		if f.Type == protocol.TypeChatDelta {
			sawDelta = true
		}
		if f.Type == protocol.TypeChatEnd {
			assert.True(t, f.OK)
			break
		}
	}
	assert.True(t, sawDelta)

	state, err := os.ReadFile(statedir.StatePath(stateDir))
	require.NoError(t, err)
	assert.Contains(t, string(state), "sid-test")
}

func TestUnregisteredTransportGetsError(t *testing.T) {
	socket, _ := startDaemon(t, echoScript)
	c := dialClient(t, socket)

	c.send(map[string]any{"type": "chat_request", "requestId": "r1", "clientId": "c1", "text": "hi"})
	f := c.next()
	assert.Equal(t, protocol.TypeError, f.Type)

	// A valid registration still works afterwards.
	c.register("c1")
}

func TestPingPong(t *testing.T) {
	socket, _ := startDaemon(t, echoScript)
	c := dialClient(t, socket)
	c.register("c1")

	c.send(map[string]any{"type": "ping", "requestId": "p1", "clientId": "c1"})
	f := c.next()
	assert.Equal(t, protocol.TypePong, f.Type)
	assert.Equal(t, "p1", f.RequestID)
	assert.NotZero(t, f.DaemonPID)
}

func TestSetModelBroadcasts(t *testing.T) {
	socket, _ := startDaemon(t, echoScript)
	c1 := dialClient(t, socket)
	c1.register("c1")
	c2 := dialClient(t, socket)
	c2.register("c2")

	c1.send(map[string]any{"type": "set_model", "requestId": "m1", "clientId": "c1", "alias": "haiku"})

	for _, c := range []*testClient{c1, c2} {
		f := c.next()
		assert.Equal(t, protocol.TypeModelUpdated, f.Type)
		assert.Equal(t, "haiku", f.Alias)
	}
}

func TestSetModelUnknownAlias(t *testing.T) {
	socket, _ := startDaemon(t, echoScript)
	c := dialClient(t, socket)
	c.register("c1")

	c.send(map[string]any{"type": "set_model", "requestId": "m1", "clientId": "c1", "alias": "sonnet"})
	f := c.next()
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Contains(t, f.Message, "sonnet")
}

func TestNewSessionWhileIdle(t *testing.T) {
	socket, stateDir := startDaemon(t, echoScript)
	c := dialClient(t, socket)
	c.register("c1")

	// Establish a token first.
	c.send(map[string]any{"type": "chat_request", "requestId": "r1", "clientId": "c1", "text": "hi"})
	for i := 0; i < 3; i++ {
		c.next()
	}
	// chat_end is queued before the busy flag clears; give it a beat.
	time.Sleep(100 * time.Millisecond)

	c.send(map[string]any{"type": "new_session", "requestId": "n1", "clientId": "c1"})
	f := c.next()
	assert.Equal(t, protocol.TypeStatusNote, f.Type)

	state, err := os.ReadFile(statedir.StatePath(stateDir))
	require.NoError(t, err)
	assert.NotContains(t, string(state), "sid-test")
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	socket, _ := startDaemon(t, echoScript)
	c := dialClient(t, socket)

	_, err := c.conn.Write([]byte("{this is not json\n"))
	require.NoError(t, err)
	f := c.next()
	assert.Equal(t, protocol.TypeError, f.Type)

	c.register("c1")
}

func TestHistoryReplayOnRegister(t *testing.T) {
	socket, _ := startDaemon(t, echoScript)
	c := dialClient(t, socket)
	c.register("c1")
	c.send(map[string]any{"type": "chat_request", "requestId": "r1", "clientId": "c1", "text": "remember me"})
	for i := 0; i < 3; i++ {
		c.next()
	}

	// A second client's snapshot contains the finished turn.
	c2 := dialClient(t, socket)
	c2.send(map[string]any{"type": "register_client", "clientId": "c2"})
	reg := c2.next()
	require.Equal(t, protocol.TypeRegistered, reg.Type)
	snap := c2.next()
	require.Equal(t, protocol.TypeHistorySnapshot, snap.Type)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "remember me", snap.Entries[0].Text)
	assert.Equal(t, "ok", snap.Entries[1].Text)
}
