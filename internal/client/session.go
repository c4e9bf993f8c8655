// Package client implements the terminal UI session: handshake, transcript
// rendering, and the slash-command line editor.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/common/constants"
	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/runtime"
	"github.com/jellyj/jelly-j/internal/statedir"
	"github.com/jellyj/jelly-j/internal/zellij"
	"github.com/jellyj/jelly-j/pkg/protocol"
)

const prompt = "jelly> "

// Session is one UI client connected to the daemon.
type Session struct {
	stateDir string
	logger   *logger.Logger

	clientID string
	conn     net.Conn
	enc      *protocol.Encoder
	dec      *protocol.Decoder

	model     string
	daemonPID int

	inFlight atomic.Bool
}

// New creates a session bound to the state dir's socket.
func New(stateDir string, log *logger.Logger) *Session {
	return &Session{
		stateDir: stateDir,
		logger:   log.WithFields(zap.String("component", "client")),
		clientID: uuid.NewString(),
	}
}

// Run connects, performs the handshake, replays history, and drives the
// line editor until the input stream ends.
func (s *Session) Run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	defer s.conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     statedir.LineHistoryPath(s.stateDir),
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("starting line editor: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()

	// The daemon can speak at any time (status notes, broadcasts), so
	// frames render concurrently with the editor.
	frames := make(chan *protocol.Frame, 64)
	readErr := make(chan error, 1)
	go s.readLoop(frames, readErr)

	renderer := newRenderer(out)
	go func() {
		for frame := range frames {
			s.renderFrame(renderer, frame)
		}
	}()

	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			renderer.note("interrupt ignored; the pane is hidden via the hotkey, not closed")
			continue
		case errors.Is(err, io.EOF):
			renderer.note("input closed; detach with the hotkey instead")
			return nil
		case err != nil:
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if s.handleLocal(renderer, line) {
			continue
		}

		select {
		case err := <-readErr:
			return fmt.Errorf("lost connection to daemon: %w", err)
		default:
		}

		s.sendChat(renderer, line)
	}
}

// connect dials the socket and completes the handshake within the
// handshake window.
func (s *Session) connect(ctx context.Context) error {
	socket := statedir.SocketPath(s.stateDir)
	dialer := net.Dialer{Timeout: constants.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return fmt.Errorf("cannot reach the daemon at %s (is it running? try `jelly-j doctor`): %w", socket, err)
	}
	s.conn = conn
	s.enc = protocol.NewEncoder(conn)
	s.dec = protocol.NewDecoder(conn)

	env := zellij.CaptureEnv()
	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()
	err = s.enc.Encode(map[string]any{
		"type":          protocol.TypeRegisterClient,
		"clientId":      s.clientID,
		"zellijSession": env.SessionName,
		"zellijEnv":     env.Map(),
		"cwd":           cwd,
		"hostname":      hostname,
		"pid":           os.Getpid(),
	})
	if err != nil {
		return fmt.Errorf("registering with daemon: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(constants.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	reg, err := s.expect(protocol.TypeRegistered)
	if err != nil {
		return fmt.Errorf("daemon did not complete the handshake within %s (try `jelly-j doctor`): %w", constants.HandshakeTimeout, err)
	}
	s.model = reg.Model
	s.daemonPID = reg.DaemonPID

	snap, err := s.expect(protocol.TypeHistorySnapshot)
	if err != nil {
		return fmt.Errorf("daemon did not replay history within %s: %w", constants.HandshakeTimeout, err)
	}

	renderer := newRenderer(os.Stdout)
	renderer.banner(s.model, s.daemonPID, reg.Busy)
	renderer.history(snap.Entries)
	return nil
}

func (s *Session) expect(wantType string) (*protocol.Frame, error) {
	frame, err := s.dec.Next()
	if err != nil {
		return nil, err
	}
	if frame.Type != wantType {
		return nil, fmt.Errorf("expected %s, got %s", wantType, frame.Type)
	}
	return frame, nil
}

func (s *Session) readLoop(frames chan<- *protocol.Frame, readErr chan<- error) {
	defer close(frames)
	for {
		frame, err := s.dec.Next()
		if err != nil {
			var malformed *protocol.MalformedError
			if errors.As(err, &malformed) {
				continue
			}
			readErr <- err
			return
		}
		frames <- frame
	}
}

// handleLocal intercepts slash commands and the exit words. It returns
// true when the line was consumed locally or turned into a control frame.
func (s *Session) handleLocal(r *renderer, line string) bool {
	switch line {
	case "exit", "quit", "bye", "q":
		r.note("explicit exit is disabled; hide this pane with the hotkey instead")
		return true
	}
	if !strings.HasPrefix(line, "/") {
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/model":
		if len(fields) == 1 {
			r.note(fmt.Sprintf("model: %s (available: %s)", s.model, strings.Join(runtime.Aliases(), ", ")))
			return true
		}
		alias := fields[1]
		if alias == s.model {
			r.note(fmt.Sprintf("model is already %s", alias))
			return true
		}
		s.sendFrame(r, map[string]any{
			"type": protocol.TypeSetModel, "requestId": uuid.NewString(),
			"clientId": s.clientID, "alias": alias,
		})
	case "/new":
		if s.inFlight.Load() {
			r.note("a turn is in flight; /new is rejected until it finishes")
			return true
		}
		s.sendFrame(r, map[string]any{
			"type": protocol.TypeNewSession, "requestId": uuid.NewString(),
			"clientId": s.clientID, "zellijSession": zellij.CaptureEnv().SessionName,
		})
	default:
		r.note(fmt.Sprintf("unknown command %s (available: /model, /model <alias>, /new)", fields[0]))
	}
	return true
}

func (s *Session) sendChat(r *renderer, text string) {
	if s.inFlight.Load() {
		r.note("a turn is already in flight; wait for it to finish")
		return
	}
	s.inFlight.Store(true)

	env := zellij.CaptureEnv()
	s.sendFrame(r, map[string]any{
		"type":          protocol.TypeChatRequest,
		"requestId":     uuid.NewString(),
		"clientId":      s.clientID,
		"text":          text,
		"zellijSession": env.SessionName,
		"zellijEnv":     env.Map(),
	})
}

func (s *Session) sendFrame(r *renderer, frame map[string]any) {
	if err := s.enc.Encode(frame); err != nil {
		s.inFlight.Store(false)
		r.note(fmt.Sprintf("failed to send to daemon: %v", err))
	}
}

func (s *Session) renderFrame(r *renderer, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeStatusNote:
		r.note(frame.Message)
	case protocol.TypeChatStart:
		if frame.QueuedAhead > 0 {
			r.note(fmt.Sprintf("queued behind %d turn(s)", frame.QueuedAhead))
		}
		r.turnStart()
	case protocol.TypeChatDelta:
		r.delta(frame.Text)
	case protocol.TypeToolUse:
		r.toolUse(frame.Name)
	case protocol.TypeResultError:
		r.failure(frame.Subtype, frame.Errors)
	case protocol.TypeChatEnd:
		r.turnEnd(frame.OK)
		s.model = frame.Model
		s.inFlight.Store(false)
	case protocol.TypeModelUpdated:
		s.model = frame.Alias
		r.note(fmt.Sprintf("model switched to %s", frame.Alias))
	case protocol.TypeError:
		r.failure("", []string{frame.Message})
		s.inFlight.Store(false)
	case protocol.TypePong:
		// Probes answer these; nothing to render.
	default:
		s.logger.Debug("unrendered frame", zap.String("type", frame.Type))
	}
}
