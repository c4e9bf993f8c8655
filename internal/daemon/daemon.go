// Package daemon implements the Jelly J backend: the global singleton that
// owns the conversation state, serializes model turns across every client,
// and probes the workspace in the background.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jellyj/jelly-j/internal/common/config"
	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/daemon/queue"
	"github.com/jellyj/jelly-j/internal/history"
	"github.com/jellyj/jelly-j/internal/lockfile"
	"github.com/jellyj/jelly-j/internal/runtime"
	"github.com/jellyj/jelly-j/internal/statedir"
	"github.com/jellyj/jelly-j/internal/workspace"
	"github.com/jellyj/jelly-j/internal/zellij"
)

// Daemon owns the lock record, the listening socket, the conversation
// state, the turn queue, and the history writer.
type Daemon struct {
	cfg      *config.Config
	logger   *logger.Logger
	trace    *logger.Logger
	pid      int
	stateDir string

	lock       *lockfile.Lock
	listener   net.Listener
	registry   *Registry
	sessions   *sessionSet
	queue      *queue.Queue
	state      *StateStore
	journal    *history.Journal
	executor   *Executor
	heartbeat  *Heartbeat
	controller *workspaceController
	tools      *workspace.Server

	snapshotLimit int
}

// New prepares a daemon from configuration. Nothing touches disk until Run.
func New(cfg *config.Config, log *logger.Logger) *Daemon {
	return &Daemon{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "daemon")),
		trace:         logger.Nop(),
		pid:           os.Getpid(),
		snapshotLimit: cfg.History.SnapshotLimit,
	}
}

// Run brings the daemon up and blocks until the context ends or a signal
// arrives. Startup order: lock, then socket, then accept loop; shutdown
// runs the reverse.
func (d *Daemon) Run(ctx context.Context) error {
	dir, err := d.resolveStateDir()
	if err != nil {
		return err
	}
	d.stateDir = dir

	zellijSession := os.Getenv(zellij.EnvSessionName)
	lock, err := lockfile.Acquire(dir, zellijSession)
	if err != nil {
		return fmt.Errorf("acquiring singleton lock: %w", err)
	}
	d.lock = lock
	defer d.lock.Release()

	if d.cfg.Daemon.Trace {
		d.openTraceLog()
	}

	d.state, err = LoadState(statedir.StatePath(dir))
	if err != nil {
		return err
	}
	d.journal = history.NewJournal(statedir.HistoryPath(dir))
	d.registry = NewRegistry(d.logger)
	d.sessions = newSessionSet()
	d.queue = queue.New()

	cli := zellij.NewCLI(d.cfg.Zellij.Bin, d.logger)
	butler := zellij.NewButler(cli, d.cfg.Zellij.PluginURL, d.logger)
	d.controller = newWorkspaceController(butler, cli)

	adapter := runtime.NewAdapter(d.cfg.Runtime.Bin, runtime.DefaultPolicy(dir), d.logger)
	if d.cfg.Runtime.WorkspaceTools {
		d.tools = workspace.NewServer(d.controller, d.logger)
		if err := d.tools.Start(ctx); err != nil {
			return err
		}
		defer d.stopTools()
		adapter.SetToolMount(&runtime.ToolMount{URL: d.tools.URL(), Token: d.tools.Token()})
	}

	d.executor = NewExecutor(d.queue, d.registry, d.journal, d.state, adapter, d.controller, d.cfg.Model.Default, d.logger)
	d.heartbeat = NewHeartbeat(d.cfg.Heartbeat.Interval, d.cfg.Heartbeat.InitialDelay, butler, cli, adapter, d.sessions, d.executor.Busy, d.logger)

	// A leftover socket from a crashed daemon: the lock proves nobody is
	// serving it, so unlink and rebind.
	socketPath := statedir.SocketPath(dir)
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing leftover socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("binding %s: %w", socketPath, err)
	}
	d.listener = listener

	d.logger.Info("daemon listening",
		zap.String("socket", socketPath),
		zap.Int("pid", d.pid),
		zap.String("model", d.cfg.Model.Default))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.acceptLoop(gctx) })
	g.Go(func() error { return d.executor.Run(gctx) })
	if d.cfg.Heartbeat.Enabled {
		g.Go(func() error { return d.heartbeat.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting first; serveConn readers then drain out as
		// their connections close.
		_ = d.listener.Close()
		d.queue.Close()
		d.registry.CloseAll()
		return nil
	})

	err = g.Wait()
	_ = os.Remove(socketPath)
	d.logger.Info("daemon stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Daemon) acceptLoop(ctx context.Context) error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go d.serveConn(conn)
	}
}

func (d *Daemon) resolveStateDir() (string, error) {
	if d.cfg.StateDir != "" {
		if err := os.MkdirAll(d.cfg.StateDir, 0o700); err != nil {
			return "", fmt.Errorf("creating state dir: %w", err)
		}
		return d.cfg.StateDir, nil
	}
	return statedir.Dir()
}

// openTraceLog attaches the frame/executor trace logger writing trace.log
// in the state dir. Trace failures downgrade to the normal logger.
func (d *Daemon) openTraceLog() {
	trace, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		OutputPath: statedir.TracePath(d.stateDir),
	})
	if err != nil {
		d.logger.Warn("failed to open trace log", zap.Error(err))
		return
	}
	d.trace = trace
}

func (d *Daemon) stopTools() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.tools.Stop(ctx); err != nil {
		d.logger.Warn("failed to stop workspace tool server", zap.Error(err))
	}
}
