package client

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jellyj/jelly-j/pkg/protocol"
)

const (
	ansiDim   = "\x1b[2m"
	ansiRed   = "\x1b[31m"
	ansiCyan  = "\x1b[36m"
	ansiReset = "\x1b[0m"
)

// renderer serializes transcript output. Frames arrive from a goroutine
// while readline owns the terminal, so every write goes through one lock.
type renderer struct {
	mu  sync.Mutex
	out io.Writer

	// midLine tracks whether the last delta ended without a newline, so
	// notes and markers can break the line before printing.
	midLine bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) banner(model string, daemonPID int, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := "idle"
	if busy {
		state = "busy"
	}
	fmt.Fprintf(r.out, "%sconnected: model=%s daemon=%d (%s)%s\n", ansiDim, model, daemonPID, state, ansiReset)
}

func (r *renderer) history(entries []protocol.HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		switch e.Role {
		case protocol.RoleUser:
			fmt.Fprintf(r.out, "%s> %s%s\n", ansiCyan, firstLine(e.Text), ansiReset)
		case protocol.RoleAssistant:
			fmt.Fprintln(r.out, e.Text)
		case protocol.RoleError:
			fmt.Fprintf(r.out, "%s! %s%s\n", ansiRed, e.Text, ansiReset)
		default:
			fmt.Fprintf(r.out, "%s%s%s\n", ansiDim, e.Text, ansiReset)
		}
	}
	if len(entries) > 0 {
		fmt.Fprintf(r.out, "%s--- %d earlier line(s) replayed ---%s\n", ansiDim, len(entries), ansiReset)
	}
}

func (r *renderer) note(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	fmt.Fprintf(r.out, "%s· %s%s\n", ansiDim, message, ansiReset)
}

func (r *renderer) turnStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
}

func (r *renderer) delta(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, text)
	r.midLine = !strings.HasSuffix(text, "\n")
}

func (r *renderer) toolUse(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	fmt.Fprintf(r.out, "%s[tool: %s]%s\n", ansiDim, name, ansiReset)
}

func (r *renderer) failure(subtype string, errs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	label := "error"
	if subtype != "" {
		label = subtype
	}
	if len(errs) == 0 {
		fmt.Fprintf(r.out, "%s! %s%s\n", ansiRed, label, ansiReset)
		return
	}
	for _, e := range errs {
		fmt.Fprintf(r.out, "%s! %s: %s%s\n", ansiRed, label, e, ansiReset)
	}
}

func (r *renderer) turnEnd(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	if ok {
		fmt.Fprintf(r.out, "%s---%s\n", ansiDim, ansiReset)
		return
	}
	fmt.Fprintf(r.out, "%s--- (turn failed)%s\n", ansiRed, ansiReset)
}

func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
