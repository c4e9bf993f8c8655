// Package statedir resolves the on-disk home of the daemon: the lock record,
// the listening socket, the persisted conversation state, and the history
// journal all live in one directory so that relocating it (JELLY_J_STATE_DIR)
// moves the daemon's whole identity at once.
package statedir

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvVar relocates all state artifacts when set. Tests point it at a
// t.TempDir() so concurrent runs never fight over one lock.
const EnvVar = "JELLY_J_STATE_DIR"

const defaultDirName = ".jelly-j"

// Artifact file names inside the state directory.
const (
	LockRecordName  = "agent.lock.json"
	LockGuardName   = "agent.lock"
	SocketName      = "daemon.sock"
	StateName       = "state.json"
	HistoryName     = "history.jsonl"
	TraceName       = "trace.log"
	LineHistoryName = "input_history"
)

// Dir returns the state directory, creating it 0700 if missing.
func Dir() (string, error) {
	dir := os.Getenv(EnvVar)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, defaultDirName)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	return dir, nil
}

// LockRecordPath returns the path of the JSON lock record.
func LockRecordPath(dir string) string { return filepath.Join(dir, LockRecordName) }

// LockGuardPath returns the path of the flock guard file.
func LockGuardPath(dir string) string { return filepath.Join(dir, LockGuardName) }

// SocketPath returns the path of the daemon's unix socket.
func SocketPath(dir string) string { return filepath.Join(dir, SocketName) }

// StatePath returns the path of the persisted conversation state.
func StatePath(dir string) string { return filepath.Join(dir, StateName) }

// HistoryPath returns the path of the history journal.
func HistoryPath(dir string) string { return filepath.Join(dir, HistoryName) }

// TracePath returns the path of the daemon trace log.
func TracePath(dir string) string { return filepath.Join(dir, TraceName) }

// LineHistoryPath returns the path of the UI client's input history.
func LineHistoryPath(dir string) string { return filepath.Join(dir, LineHistoryName) }
