// Package notify raises desktop notifications, e.g. when a job waits for
// approval.
package notify

import "strings"

// Func matches Send so callers can swap in a stub.
type Func func(title, message string) error

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
