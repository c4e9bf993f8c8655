// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// HandshakeTimeout bounds the client-side wait for registered +
	// history_snapshot after connecting.
	HandshakeTimeout = 2500 * time.Millisecond

	// ZellijCLITimeout is the default deadline for multiplexer CLI calls.
	ZellijCLITimeout = 10 * time.Second

	// ButlerOpTimeout is the deadline for butler pipe RPC operations.
	ButlerOpTimeout = 8 * time.Second

	// ButlerToggleTimeout is the deadline for pane visibility toggles.
	ButlerToggleTimeout = 3 * time.Second

	// DaemonStartTimeout bounds the supervisor's wait for a spawned
	// daemon to answer its first probe.
	DaemonStartTimeout = 10 * time.Second

	// DaemonKillEscalation is how long SIGTERM gets before SIGKILL.
	DaemonKillEscalation = 2 * time.Second
)
