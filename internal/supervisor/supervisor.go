// Package supervisor ensures a healthy daemon exists before the UI runs:
// probe, take over a wedged owner, spawn detached, poll until healthy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/common/constants"
	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/lockfile"
	"github.com/jellyj/jelly-j/internal/statedir"
	"github.com/jellyj/jelly-j/pkg/protocol"
)

// DaemonMarkerEnv marks a spawned process as the daemon. The logger also
// keys its format detection off it.
const DaemonMarkerEnv = "JELLY_J_DAEMON"

const probeRetries = 2

// Supervisor brings a daemon up on the socket under stateDir.
type Supervisor struct {
	stateDir string
	logger   *logger.Logger
}

// New creates a supervisor for the given state dir.
func New(stateDir string, log *logger.Logger) *Supervisor {
	return &Supervisor{
		stateDir: stateDir,
		logger:   log.WithFields(zap.String("component", "supervisor")),
	}
}

// Ensure returns once a daemon answers the probe. A lock held by a live,
// healthy daemon counts as success.
func (s *Supervisor) Ensure(ctx context.Context) error {
	var probeErr error
	for attempt := 0; attempt <= probeRetries; attempt++ {
		if probeErr = Probe(ctx, statedir.SocketPath(s.stateDir)); probeErr == nil {
			return nil
		}
	}
	s.logger.Debug("daemon probe failed", zap.Error(probeErr))

	if err := s.takeOverDeadOwner(); err != nil {
		return err
	}
	if err := s.spawnDaemon(); err != nil {
		return err
	}
	return s.waitHealthy(ctx)
}

// Probe checks daemon health end to end: dial, register, ping, pong.
func Probe(ctx context.Context, socket string) error {
	dialer := net.Dialer{Timeout: constants.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return fmt.Errorf("dialing daemon: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(constants.HandshakeTimeout))

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)
	clientID := "probe-" + uuid.NewString()

	if err := enc.Encode(map[string]any{"type": protocol.TypeRegisterClient, "clientId": clientID}); err != nil {
		return fmt.Errorf("probe register failed: %w", err)
	}
	if err := expectFrame(dec, protocol.TypeRegistered); err != nil {
		return err
	}
	if err := expectFrame(dec, protocol.TypeHistorySnapshot); err != nil {
		return err
	}

	if err := enc.Encode(map[string]any{"type": protocol.TypePing, "requestId": uuid.NewString(), "clientId": clientID}); err != nil {
		return fmt.Errorf("probe ping failed: %w", err)
	}
	return expectFrame(dec, protocol.TypePong)
}

func expectFrame(dec *protocol.Decoder, wantType string) error {
	frame, err := dec.Next()
	if err != nil {
		return fmt.Errorf("probe read failed: %w", err)
	}
	if frame.Type != wantType {
		return fmt.Errorf("probe expected %s, got %s", wantType, frame.Type)
	}
	return nil
}

// takeOverDeadOwner signals a lock owner that holds the lock but does not
// answer the probe: SIGTERM, bounded wait, then SIGKILL.
func (s *Supervisor) takeOverDeadOwner() error {
	rec, err := lockfile.ReadRecord(s.stateDir)
	if err != nil {
		// No record or unreadable: nothing to take over.
		return nil
	}
	if rec.PID == os.Getpid() || !lockfile.ProcessAlive(rec.PID) {
		return nil
	}

	s.logger.Info("daemon holds the lock but does not answer; terminating it",
		zap.Int("pid", rec.PID))
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return nil
	}
	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(constants.DaemonKillEscalation)
	for time.Now().Before(deadline) {
		if !lockfile.ProcessAlive(rec.PID) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.logger.Warn("daemon ignored SIGTERM, escalating", zap.Int("pid", rec.PID))
	_ = proc.Signal(syscall.SIGKILL)
	time.Sleep(100 * time.Millisecond)
	return nil
}

// spawnDaemon starts `jelly-j daemon` detached: own process group, stdio
// on /dev/null, reaped in the background so it never zombies.
func (s *Supervisor) spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own binary: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, "daemon")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.Env = append(os.Environ(), DaemonMarkerEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	s.logger.Info("spawned daemon", zap.Int("pid", cmd.Process.Pid))

	go func() { _ = cmd.Wait() }()
	return nil
}

// waitHealthy polls the probe with exponential backoff until the daemon
// answers or the start timeout elapses.
func (s *Supervisor) waitHealthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.DaemonStartTimeout)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = time.Second

	socket := statedir.SocketPath(s.stateDir)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, Probe(ctx, socket)
	}, backoff.WithBackOff(expBackoff))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("daemon did not become healthy within %s", constants.DaemonStartTimeout)
		}
		return fmt.Errorf("daemon did not become healthy: %w", err)
	}
	return nil
}
