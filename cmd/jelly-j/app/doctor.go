package app

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jellyj/jelly-j/internal/common/constants"
	"github.com/jellyj/jelly-j/internal/lockfile"
	"github.com/jellyj/jelly-j/internal/statedir"
	"github.com/jellyj/jelly-j/internal/zellij"
	"github.com/jellyj/jelly-j/pkg/protocol"
)

func newDoctorCmd() *cobra.Command {
	var pluginTrace int
	var clearPluginTrace bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the daemon, lock, and butler plugin",
		Long: `Inspect every moving part and report what is wrong: the state
directory, the singleton lock and its owner, the daemon socket handshake,
and the butler plugin inside the current zellij session.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, dir, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			env := zellij.CaptureEnv()
			cli := zellij.NewCLI(cfg.Zellij.Bin, log)
			butler := zellij.NewButler(cli, cfg.Zellij.PluginURL, log)

			if clearPluginTrace {
				if err := butler.ClearTrace(cmd.Context(), env); err != nil {
					return fmt.Errorf("clearing plugin trace: %w", err)
				}
				fmt.Println("plugin trace cleared")
				return nil
			}
			if pluginTrace > 0 {
				entries, err := butler.GetTrace(cmd.Context(), env, pluginTrace)
				if err != nil {
					return fmt.Errorf("fetching plugin trace: %w", err)
				}
				for _, e := range entries {
					fmt.Printf("%s %s\n", e.Timestamp, e.Message)
				}
				return nil
			}

			fmt.Printf("state dir: %s\n", dir)
			checkLock(dir)
			checkDaemon(dir)
			checkButler(cmd, cfg.Zellij.PluginURL, env, butler)
			return nil
		},
	}

	cmd.Flags().IntVar(&pluginTrace, "plugin-trace", 0, "Print the last N butler plugin trace lines and exit")
	cmd.Flags().BoolVar(&clearPluginTrace, "clear-plugin-trace", false, "Clear the butler plugin trace and exit")
	return cmd
}

func checkLock(dir string) {
	rec, err := lockfile.ReadRecord(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("lock: no record (daemon has never run here)")
			return
		}
		fmt.Printf("lock: unreadable record: %v\n", err)
		return
	}
	alive := lockfile.ProcessAlive(rec.PID)
	state := "dead"
	if alive {
		state = "alive"
	}
	fmt.Printf("lock: owner pid %d (%s), started %s on %s\n",
		rec.PID, state, rec.StartedAt.Format(time.RFC3339), rec.Hostname)
	if !alive {
		fmt.Println("lock: stale record; the next jelly-j run will reclaim it")
	}
}

// checkDaemon performs the full client handshake plus a ping so the report
// reflects what a real UI session would see.
func checkDaemon(dir string) {
	socket := statedir.SocketPath(dir)
	conn, err := net.DialTimeout("unix", socket, constants.HandshakeTimeout)
	if err != nil {
		fmt.Printf("daemon: not reachable at %s (%v)\n", socket, err)
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(constants.HandshakeTimeout))

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)
	clientID := "doctor-" + uuid.NewString()

	if err := enc.Encode(map[string]any{
		"type": protocol.TypeRegisterClient, "clientId": clientID,
	}); err != nil {
		fmt.Printf("daemon: register failed: %v\n", err)
		return
	}

	reg, err := dec.Next()
	if err != nil || reg.Type != protocol.TypeRegistered {
		fmt.Printf("daemon: bad handshake (got %v, err %v)\n", frameType(reg), err)
		return
	}
	if _, err := dec.Next(); err != nil {
		fmt.Printf("daemon: no history snapshot: %v\n", err)
		return
	}

	if err := enc.Encode(map[string]any{
		"type": protocol.TypePing, "requestId": uuid.NewString(), "clientId": clientID,
	}); err != nil {
		fmt.Printf("daemon: ping failed: %v\n", err)
		return
	}
	pong, err := dec.Next()
	if err != nil || pong.Type != protocol.TypePong {
		fmt.Printf("daemon: no pong (got %v, err %v)\n", frameType(pong), err)
		return
	}

	state := "idle"
	if reg.Busy {
		state = "busy"
	}
	fmt.Printf("daemon: healthy, pid %d, model %s, %s\n", reg.DaemonPID, reg.Model, state)
}

func checkButler(cmd *cobra.Command, pluginURL string, env zellij.EnvContext, butler *zellij.Butler) {
	if env.IsZero() {
		fmt.Println("butler: not inside a zellij session; skipping plugin checks")
		return
	}

	if err := butler.Ping(cmd.Context(), env); err != nil {
		fmt.Printf("butler: ping failed: %v\n", err)
		fmt.Printf("butler: check that the plugin is loaded from %s\n", pluginURL)
		return
	}

	snap, err := butler.GetState(cmd.Context(), env)
	if err != nil {
		fmt.Printf("butler: get_state failed: %v\n", err)
		return
	}
	fmt.Printf("butler: healthy, %d tab(s), %d pane(s), ready=%t, trace=%d line(s)\n",
		len(snap.Tabs), len(snap.Panes), snap.Butler.Ready, snap.Butler.TraceLen)
	if snap.HasDefaultNamedTab() {
		fmt.Println("butler: default-named tabs present; the heartbeat will tidy them")
	}
}

func frameType(f *protocol.Frame) string {
	if f == nil {
		return "<none>"
	}
	return f.Type
}
