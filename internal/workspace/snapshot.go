// Package workspace models the butler plugin's cached view of the
// multiplexer workspace and the tool surface the model uses to mutate it.
package workspace

import "regexp"

// defaultTabName matches tabs the user never renamed ("Tab #1", "Tab #2"...).
// Only these are safe to rename automatically.
var defaultTabName = regexp.MustCompile(`^Tab #\d+$`)

// crowdedPaneThreshold is the selectable-pane count above which a tab is
// considered worth a reorganization suggestion.
const crowdedPaneThreshold = 4

// Tab is one tab of the cached workspace snapshot.
type Tab struct {
	Position                     int    `json:"position"`
	Name                         string `json:"name"`
	Active                       bool   `json:"active"`
	SelectableTiledPanesCount    int    `json:"selectable_tiled_panes_count"`
	SelectableFloatingPanesCount int    `json:"selectable_floating_panes_count"`
}

// Pane is one pane of the cached workspace snapshot.
type Pane struct {
	ID              uint32 `json:"id"`
	TabIndex        int    `json:"tab_index"`
	Title           string `json:"title"`
	TerminalCommand string `json:"terminal_command,omitempty"`
	IsPlugin        bool   `json:"is_plugin"`
	IsFocused       bool   `json:"is_focused"`
	IsFloating      bool   `json:"is_floating"`
	IsSuppressed    bool   `json:"is_suppressed"`
	Exited          bool   `json:"exited"`
}

// ButlerStatus is the plugin's own runtime block inside get_state.
type ButlerStatus struct {
	Ready         bool `json:"ready"`
	PendingToggle bool `json:"pending_toggle"`
	TraceLen      int  `json:"trace_len"`
}

// Snapshot is the cached workspace state returned by the butler's
// get_state op. Tabs are ordered by position.
type Snapshot struct {
	Tabs   []Tab        `json:"tabs"`
	Panes  []Pane       `json:"panes"`
	Butler ButlerStatus `json:"butler"`
}

// IsDefaultTabName reports whether name still carries the multiplexer's
// automatic numbering.
func IsDefaultTabName(name string) bool {
	return defaultTabName.MatchString(name)
}

// HasDefaultNamedTab reports whether any tab still carries a default name.
func (s *Snapshot) HasDefaultNamedTab() bool {
	for _, tab := range s.Tabs {
		if IsDefaultTabName(tab.Name) {
			return true
		}
	}
	return false
}

// HasCrowdedTab reports whether any tab holds more selectable tiled panes
// than the suggestion threshold.
func (s *Snapshot) HasCrowdedTab() bool {
	for _, tab := range s.Tabs {
		if tab.SelectableTiledPanesCount > crowdedPaneThreshold {
			return true
		}
	}
	return false
}

// WorthSuggesting reports whether the snapshot triggers either heartbeat
// predicate; when false the tick skips the session entirely.
func (s *Snapshot) WorthSuggesting() bool {
	return s.HasDefaultNamedTab() || s.HasCrowdedTab()
}

// TabByPosition returns the tab at position, or nil.
func (s *Snapshot) TabByPosition(position int) *Tab {
	for i := range s.Tabs {
		if s.Tabs[i].Position == position {
			return &s.Tabs[i]
		}
	}
	return nil
}

// TabByName returns the first tab named name, or nil.
func (s *Snapshot) TabByName(name string) *Tab {
	for i := range s.Tabs {
		if s.Tabs[i].Name == name {
			return &s.Tabs[i]
		}
	}
	return nil
}
