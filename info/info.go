// Package info provides small helpers for the info-line (intermediate)
// prefix convention AT responses use, shared by atchannel's response
// shape validation and by handlers that parse a command's intermediates.
package info

import "strings"

// HasPrefix reports whether line is an info line for cmd, i.e. begins
// with "cmd:".
func HasPrefix(line, cmd string) bool {
	return strings.HasPrefix(line, cmd+":")
}

// TrimPrefix strips the "cmd:" prefix and any following space from line.
func TrimPrefix(line, cmd string) string {
	return strings.TrimLeft(strings.TrimPrefix(line, cmd+":"), " ")
}
