// Package lockfile enforces the one-daemon-per-machine invariant.
//
// Two artifacts cooperate: a kernel flock on agent.lock held for the daemon's
// lifetime (released automatically when the owner dies), and a JSON lock
// record (agent.lock.json) that carries the owner's pid and startup metadata
// for clients and the supervisor to inspect.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/jellyj/jelly-j/internal/statedir"
)

// ErrHeldByOtherProcess is returned when a live process already holds the lock.
var ErrHeldByOtherProcess = errors.New("lock held by another live process")

// maxAcquireAttempts bounds the stale-record reclaim loop.
const maxAcquireAttempts = 4

// Record is the on-disk lock record.
type Record struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	Hostname      string    `json:"hostname"`
	ZellijSession string    `json:"zellijSession,omitempty"`
	Cwd           string    `json:"cwd,omitempty"`
}

// Lock represents an acquired singleton lock.
type Lock struct {
	dir    string
	record Record
	guard  *flock.Flock
}

// Acquire takes the machine-wide daemon lock. On return with a nil error the
// caller is the only live daemon; ErrHeldByOtherProcess reports the current
// owner's record alongside.
func Acquire(dir, zellijSession string) (*Lock, error) {
	guard := flock.New(statedir.LockGuardPath(dir))
	locked, err := guard.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock guard: %w", err)
	}
	if !locked {
		// The flock holder is alive by definition; its record names it.
		if rec, rerr := ReadRecord(dir); rerr == nil {
			return nil, fmt.Errorf("%w (pid %d)", ErrHeldByOtherProcess, rec.PID)
		}
		return nil, ErrHeldByOtherProcess
	}

	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()
	record := Record{
		PID:           os.Getpid(),
		StartedAt:     time.Now().UTC(),
		Hostname:      hostname,
		ZellijSession: zellijSession,
		Cwd:           cwd,
	}

	path := statedir.LockRecordPath(dir)
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		err := writeRecordExclusive(path, record)
		if err == nil {
			return &Lock{dir: dir, record: record, guard: guard}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			_ = guard.Unlock()
			return nil, fmt.Errorf("writing lock record: %w", err)
		}

		existing, rerr := ReadRecord(dir)
		if rerr == nil && ProcessAlive(existing.PID) {
			_ = guard.Unlock()
			return nil, fmt.Errorf("%w (pid %d)", ErrHeldByOtherProcess, existing.PID)
		}
		// Stale record from a crashed daemon (we hold the flock, so nobody
		// live can own it). Unreadable records are reclaimed the same way.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = guard.Unlock()
			return nil, fmt.Errorf("removing stale lock record: %w", err)
		}
	}

	_ = guard.Unlock()
	return nil, fmt.Errorf("lock record still present after %d attempts", maxAcquireAttempts)
}

// Release removes the lock record and drops the flock. Only the owning
// process may remove the record; everything here is best-effort.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	if rec, err := ReadRecord(l.dir); err == nil && rec.PID == os.Getpid() {
		_ = os.Remove(statedir.LockRecordPath(l.dir))
	}
	if l.guard != nil {
		_ = l.guard.Unlock()
	}
}

// Record returns the owner record written at acquisition.
func (l *Lock) Record() Record { return l.record }

// ReadRecord reads the current lock record, if any.
func ReadRecord(dir string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(statedir.LockRecordPath(dir))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parsing lock record: %w", err)
	}
	return rec, nil
}

// ProcessAlive probes pid with signal 0. A permission error means the
// process exists but belongs to someone else; that counts as alive
// (safety over liveness).
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func writeRecordExclusive(path string, rec Record) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
