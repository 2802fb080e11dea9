// Package term renders the transient status line shown during interactive
// sync runs. Output is suppressed when stdout is not a terminal.
package term

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

var (
	mu         sync.Mutex
	isTerminal = term.IsTerminal(int(os.Stdout.Fd()))
	lastLen    int
)

// SetStatus replaces the current status line.
func SetStatus(format string, args ...any) {
	if !isTerminal {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	line := fmt.Sprintf(format, args...)
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 1 && len(line) > width-1 {
		line = line[:width-1]
	}
	fmt.Printf("\r%-*s", lastLen, line)
	lastLen = len(line)
}

// ClearStatus erases the status line before regular output.
func ClearStatus() {
	if !isTerminal {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if lastLen > 0 {
		fmt.Printf("\r%-*s\r", lastLen, "")
		lastLen = 0
	}
}
