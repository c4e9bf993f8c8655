package daemon

import (
	"sort"
	"sync"

	"github.com/jellyj/jelly-j/internal/zellij"
)

// sessionSet accumulates the multiplexer sessions the daemon has seen,
// from registrations and chat requests, with the freshest environment
// context per session. The heartbeat walks it.
type sessionSet struct {
	mu sync.Mutex
	m  map[string]zellij.EnvContext
}

func newSessionSet() *sessionSet {
	return &sessionSet{m: make(map[string]zellij.EnvContext)}
}

// Observe records or refreshes a session. Empty session names are ignored.
func (s *sessionSet) Observe(session string, env zellij.EnvContext) {
	if session == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[session] = env
}

// Drop forgets a session, e.g. after a probe timeout.
func (s *sessionSet) Drop(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, session)
}

// List returns the known sessions in stable order with their env contexts.
func (s *sessionSet) List() []sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sessionEntry, 0, len(s.m))
	for name, env := range s.m {
		out = append(out, sessionEntry{Name: name, Env: env})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type sessionEntry struct {
	Name string
	Env  zellij.EnvContext
}
