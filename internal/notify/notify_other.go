//go:build !darwin

package notify

// Send is a no-op outside macOS.
func Send(title, message string) error { return nil }
