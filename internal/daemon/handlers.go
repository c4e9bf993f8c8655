package daemon

import (
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/daemon/queue"
	"github.com/jellyj/jelly-j/internal/runtime"
	"github.com/jellyj/jelly-j/internal/zellij"
	"github.com/jellyj/jelly-j/pkg/protocol"
)

// serveConn reads frames from one connection until it closes. All writes
// to the connection go through the registry's write pump once the client
// registers; before that, error frames are written directly.
func (d *Daemon) serveConn(conn net.Conn) {
	key := d.registry.NextKey()
	defer func() {
		d.registry.Remove(key)
		_ = conn.Close()
	}()

	dec := protocol.NewDecoder(conn)
	enc := protocol.NewEncoder(conn)

	for {
		frame, err := dec.Next()
		if err != nil {
			var malformed *protocol.MalformedError
			if errors.As(err, &malformed) {
				d.trace.Debug("malformed frame", zap.String("line", malformed.Line))
				d.answerError(key, enc, "", "malformed frame: not valid JSON")
				continue
			}
			if !errors.Is(err, io.EOF) {
				d.logger.Debug("connection read failed", zap.Error(err))
			}
			return
		}

		d.trace.Debug("frame in", zap.String("type", frame.Type), zap.String("request_id", frame.RequestID))
		d.handleFrame(key, conn, enc, frame)
	}
}

func (d *Daemon) handleFrame(key int64, conn net.Conn, enc *protocol.Encoder, frame *protocol.Frame) {
	if frame.Type == protocol.TypeRegisterClient {
		d.handleRegister(key, conn, enc, frame)
		return
	}

	client, ok := d.registry.ByKey(key)
	if !ok {
		// Anything but register_client from an unregistered transport.
		d.answerError(key, enc, frame.RequestID, "not registered: send register_client first")
		return
	}

	switch frame.Type {
	case protocol.TypeChatRequest:
		d.handleChatRequest(client, frame)
	case protocol.TypeSetModel:
		d.handleSetModel(client, frame)
	case protocol.TypeNewSession:
		d.handleNewSession(client, frame)
	case protocol.TypePing:
		client.Send(protocol.NewPong(frame.RequestID, d.pid))
	default:
		client.Send(protocol.NewError(frame.RequestID, fmt.Sprintf("unknown frame type %q", frame.Type)))
	}
}

func (d *Daemon) handleRegister(key int64, conn net.Conn, enc *protocol.Encoder, frame *protocol.Frame) {
	if frame.ClientID == "" {
		d.answerError(key, enc, frame.RequestID, "register_client requires a clientId")
		return
	}

	env := zellij.EnvFromMap(frame.ZellijEnv)
	client := d.registry.Register(key, frame.ClientID, frame.ZellijSession, env, conn)
	d.sessions.Observe(frame.ZellijSession, env)

	client.Send(protocol.NewRegistered(frame.ClientID, d.pid, d.executor.Model(), d.executor.Busy()))

	entries, err := d.journal.Snapshot(d.snapshotLimit)
	if err != nil {
		d.logger.Error("failed to read history snapshot", zap.Error(err))
		entries = []protocol.HistoryEntry{}
	}
	client.Send(protocol.NewHistorySnapshot(entries))

	d.logger.Info("client registered",
		zap.String("client_id", frame.ClientID),
		zap.String("session", frame.ZellijSession))
}

func (d *Daemon) handleChatRequest(client *Client, frame *protocol.Frame) {
	if frame.Text == "" {
		client.Send(protocol.NewError(frame.RequestID, "chat_request requires text"))
		return
	}

	// Environment context: the request's, falling back to what the
	// client registered with.
	env := client.Env
	if len(frame.ZellijEnv) > 0 {
		env = client.Env.Merge(zellij.EnvFromMap(frame.ZellijEnv))
	}
	session := frame.ZellijSession
	if session == "" {
		session = client.Session
	}
	d.sessions.Observe(session, env)

	turn := &queue.Turn{
		RequestID: frame.RequestID,
		ClientID:  client.ID,
		Text:      frame.Text,
		Session:   session,
		Env:       env,
	}
	if err := d.queue.Enqueue(turn); err != nil {
		client.Send(protocol.NewError(frame.RequestID, "daemon is shutting down"))
	}
}

func (d *Daemon) handleSetModel(client *Client, frame *protocol.Frame) {
	if _, err := runtime.ResolveAlias(frame.Alias); err != nil {
		client.Send(protocol.NewError(frame.RequestID,
			fmt.Sprintf("unknown model alias %q; available: opus, haiku", frame.Alias)))
		return
	}
	d.executor.SetModel(frame.Alias)
	d.registry.Broadcast(protocol.NewModelUpdated(frame.RequestID, frame.Alias))
	d.logger.Info("model changed", zap.String("alias", frame.Alias))
}

func (d *Daemon) handleNewSession(client *Client, frame *protocol.Frame) {
	if d.executor.Busy() {
		client.Send(protocol.NewError(frame.RequestID, "a turn is in flight; try again when it finishes"))
		return
	}
	if err := d.state.ClearToken(); err != nil {
		client.Send(protocol.NewError(frame.RequestID, "failed to reset conversation state"))
		d.logger.Error("failed to clear resume token", zap.Error(err))
		return
	}
	// No broadcast: only the requester learns about the reset.
	client.Send(protocol.NewStatusNote("started a fresh conversation; history is preserved"))
	if err := d.journal.AppendNote(frame.ZellijSession, "conversation reset"); err != nil {
		d.logger.Error("failed to append reset note", zap.Error(err))
	}
}

// answerError writes an error frame, through the registry when the
// transport is registered and directly otherwise.
func (d *Daemon) answerError(key int64, enc *protocol.Encoder, requestID, message string) {
	frame := protocol.NewError(requestID, message)
	if client, ok := d.registry.ByKey(key); ok {
		client.Send(frame)
		return
	}
	if err := enc.Encode(frame); err != nil {
		d.logger.Debug("failed to write error frame", zap.Error(err))
	}
}
