package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jellyj/jelly-j/pkg/claudecode"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allow  bool
	Reason string
}

// Policy decides whether a tool invocation may proceed without a prompt.
// The daemon is headless, so anything that would prompt is denied instead.
type Policy struct {
	// ConfigRoots are directories the assistant may modify freely.
	ConfigRoots []string
}

// DefaultPolicy builds a policy whose config roots are the state dir plus
// the user's jelly-j and zellij config directories, when they resolve.
func DefaultPolicy(stateDir string) *Policy {
	roots := []string{stateDir}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots,
			filepath.Join(home, ".config", "jelly-j"),
			filepath.Join(home, ".config", "zellij"),
		)
	}
	return &Policy{ConfigRoots: roots}
}

// Decide evaluates one can_use_tool request. Arbitrary shell always denies;
// file mutations outside the config roots deny; everything else runs.
func (p *Policy) Decide(toolName string, input map[string]any) Decision {
	switch toolName {
	case claudecode.ToolBash:
		return Decision{Allow: false, Reason: "shell commands require an interactive approval, which the daemon cannot provide"}
	case claudecode.ToolWrite, claudecode.ToolEdit, claudecode.ToolNotebookEdit:
		path := inputPath(input)
		if path == "" {
			return Decision{Allow: false, Reason: fmt.Sprintf("%s without a file path cannot be checked against allowed directories", toolName)}
		}
		if p.insideRoot(path) {
			return Decision{Allow: true}
		}
		return Decision{Allow: false, Reason: fmt.Sprintf("writing %s is outside the allowed configuration directories", path)}
	default:
		return Decision{Allow: true}
	}
}

func (p *Policy) insideRoot(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	for _, root := range p.ConfigRoots {
		r := filepath.Clean(root)
		if abs == r || strings.HasPrefix(abs, r+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func inputPath(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
