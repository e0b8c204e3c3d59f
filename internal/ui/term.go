package ui

import (
	"os"

	"golang.org/x/term"
)

const defaultWidth = 80

// IsTTY reports whether f is attached to a terminal.
func IsTTY(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Width returns the column count of the terminal behind f, or 80.
func Width(f *os.File) int {
	if f == nil {
		return defaultWidth
	}
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
		return w
	}
	return defaultWidth
}
