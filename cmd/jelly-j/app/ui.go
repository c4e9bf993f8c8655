package app

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jellyj/jelly-j/internal/client"
	"github.com/jellyj/jelly-j/internal/supervisor"
)

func newUICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Attach the terminal UI to an already-running daemon",
		Long: `Attach the terminal UI without starting a daemon first. Fails fast
when no daemon is listening; the bare jelly-j command starts one for you.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, dir, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			return client.New(dir, log).Run(cmd.Context())
		},
	}
}

// runAttach backs the bare jelly-j invocation: make sure a healthy daemon is
// up, then hand the terminal to the UI session.
func runAttach(cmd *cobra.Command) error {
	_, log, dir, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := supervisor.New(dir, log).Ensure(ctx); err != nil {
		return err
	}
	return client.New(dir, log).Run(ctx)
}
