// Package history persists the conversation as an append-only JSON-lines
// journal. Entries are never mutated or deleted; clients get a bounded
// suffix at registration and stream everything after that live.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jellyj/jelly-j/pkg/protocol"
)

// DefaultSnapshotLimit bounds the replay window sent on registration.
const DefaultSnapshotLimit = 80

// Journal is the single-writer history file. All appends go through one
// mutex so the turn path and the heartbeat path cannot interleave line
// fragments.
type Journal struct {
	mu   sync.Mutex
	path string
}

// NewJournal creates a journal backed by the file at path. The file is
// created lazily on first append.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Append writes one entry. A zero timestamp is filled with the current time.
func (j *Journal) Append(entry protocol.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening history journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending history entry: %w", err)
	}
	return nil
}

// AppendUser records a user turn.
func (j *Journal) AppendUser(session, text string) error {
	return j.Append(protocol.HistoryEntry{Role: protocol.RoleUser, Session: session, Text: text})
}

// AppendAssistant records a completed assistant turn.
func (j *Journal) AppendAssistant(session, text string) error {
	return j.Append(protocol.HistoryEntry{Role: protocol.RoleAssistant, Session: session, Text: text})
}

// AppendNote records an informational note.
func (j *Journal) AppendNote(session, text string) error {
	return j.Append(protocol.HistoryEntry{Role: protocol.RoleNote, Session: session, Text: text})
}

// AppendError records a surfaced error.
func (j *Journal) AppendError(session, text string) error {
	return j.Append(protocol.HistoryEntry{Role: protocol.RoleError, Session: session, Text: text})
}

// Snapshot returns the last limit entries in original order. Malformed
// lines are skipped; a missing file yields an empty slice. limit <= 0
// falls back to DefaultSnapshotLimit.
func (j *Journal) Snapshot(limit int) ([]protocol.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []protocol.HistoryEntry{}, nil
		}
		return nil, fmt.Errorf("opening history journal: %w", err)
	}
	defer f.Close()

	// Ring over the tail: the journal grows without bound and we only ever
	// need the suffix.
	ring := make([]protocol.HistoryEntry, 0, limit)
	next := 0
	wrapped := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry protocol.HistoryEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Role == "" {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, entry)
		} else {
			ring[next] = entry
			wrapped = true
		}
		next = (next + 1) % limit
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading history journal: %w", err)
	}

	if !wrapped {
		return ring, nil
	}
	ordered := make([]protocol.HistoryEntry, 0, limit)
	ordered = append(ordered, ring[next:]...)
	ordered = append(ordered, ring[:next]...)
	return ordered, nil
}
