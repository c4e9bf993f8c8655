package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ConversationState is what survives a daemon restart: the runtime's resume
// token and the last multiplexer session a turn came from.
type ConversationState struct {
	SessionID     string `json:"sessionId,omitempty"`
	ZellijSession string `json:"zellijSession,omitempty"`
}

// StateStore persists ConversationState to state.json by write-then-rename.
type StateStore struct {
	mu    sync.Mutex
	path  string
	state ConversationState
}

// LoadState reads the persisted state, tolerating a missing file and
// resetting on a corrupt one.
func LoadState(path string) (*StateStore, error) {
	s := &StateStore{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		// A corrupt state file means a fresh conversation, not a dead daemon.
		s.state = ConversationState{}
	}
	return s, nil
}

// Get returns a copy of the current state.
func (s *StateStore) Get() ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ResumeToken returns the current resume token, possibly empty.
func (s *StateStore) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionID
}

// Update applies fn to the state and persists the result atomically.
func (s *StateStore) Update(fn func(*ConversationState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	return s.persistLocked()
}

// ClearToken drops the resume token and persists.
func (s *StateStore) ClearToken() error {
	return s.Update(func(st *ConversationState) { st.SessionID = "" })
}

func (s *StateStore) persistLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("encoding conversation state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("persisting conversation state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("persisting conversation state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persisting conversation state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persisting conversation state: %w", err)
	}
	return nil
}
