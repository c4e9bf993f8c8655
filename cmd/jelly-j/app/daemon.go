package app

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/jellyj/jelly-j/internal/daemon"
	"github.com/jellyj/jelly-j/internal/lockfile"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the Jelly J daemon in the foreground",
		Long: `Run the daemon that owns the machine-wide conversation: the unix
socket, the turn queue, and the workspace heartbeat. Normally the supervisor
spawns this for you; run it directly for debugging or under a process manager.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, _, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			err = daemon.New(cfg, log).Run(context.Background())
			if errors.Is(err, lockfile.ErrHeldByOtherProcess) {
				// Lost the startup race to a live daemon; that daemon
				// serves everyone, so this process is redundant, not
				// failed.
				log.Info("another daemon already holds the lock, exiting cleanly")
				return nil
			}
			return err
		},
	}
}
