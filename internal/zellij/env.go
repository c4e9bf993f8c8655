// Package zellij wraps the terminal multiplexer: per-session environment
// routing, CLI invocations, and the pipe RPC surface of the butler plugin.
package zellij

import (
	"os"
	"strings"
)

// Recognized environment-context keys. The daemon is detached from any
// shell, so these are captured per connection and threaded into every
// subprocess instead of being read from the daemon's own environment.
const (
	EnvSocketDir   = "ZELLIJ_SOCKET_DIR"
	EnvSessionName = "ZELLIJ_SESSION_NAME"
	EnvBinOverride = "JELLY_J_ZELLIJ_BIN"
)

// EnvContext is the per-request mapping a multiplexer subprocess needs to
// target the client's session rather than a stale one from daemon startup.
type EnvContext struct {
	SocketDir   string
	SessionName string
	BinOverride string
}

// EnvFromMap extracts the recognized keys from a wire-level mapping.
func EnvFromMap(m map[string]string) EnvContext {
	return EnvContext{
		SocketDir:   m[EnvSocketDir],
		SessionName: m[EnvSessionName],
		BinOverride: m[EnvBinOverride],
	}
}

// CaptureEnv reads the recognized keys from the current process
// environment. Used by UI clients, which do run inside the session.
func CaptureEnv() EnvContext {
	return EnvContext{
		SocketDir:   os.Getenv(EnvSocketDir),
		SessionName: os.Getenv(EnvSessionName),
		BinOverride: os.Getenv(EnvBinOverride),
	}
}

// IsZero reports whether no key is set.
func (e EnvContext) IsZero() bool {
	return e.SocketDir == "" && e.SessionName == "" && e.BinOverride == ""
}

// Map serializes the context for the wire. Empty keys are omitted.
func (e EnvContext) Map() map[string]string {
	m := make(map[string]string, 3)
	if e.SocketDir != "" {
		m[EnvSocketDir] = e.SocketDir
	}
	if e.SessionName != "" {
		m[EnvSessionName] = e.SessionName
	}
	if e.BinOverride != "" {
		m[EnvBinOverride] = e.BinOverride
	}
	return m
}

// Merge overlays the set keys of other onto e and returns the result.
func (e EnvContext) Merge(other EnvContext) EnvContext {
	merged := e
	if other.SocketDir != "" {
		merged.SocketDir = other.SocketDir
	}
	if other.SessionName != "" {
		merged.SessionName = other.SessionName
	}
	if other.BinOverride != "" {
		merged.BinOverride = other.BinOverride
	}
	return merged
}

// Environ merges the context into base (os.Environ() shaped), replacing
// any stale values for the recognized keys.
func (e EnvContext) Environ(base []string) []string {
	out := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, EnvSocketDir+"=") || strings.HasPrefix(kv, EnvSessionName+"=") {
			continue
		}
		out = append(out, kv)
	}
	if e.SocketDir != "" {
		out = append(out, EnvSocketDir+"="+e.SocketDir)
	}
	if e.SessionName != "" {
		out = append(out, EnvSessionName+"="+e.SessionName)
	}
	return out
}
