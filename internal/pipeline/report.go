package pipeline

import (
	"strings"
	"unicode/utf8"
)

const (
	maxReportResult     = 4096
	maxReportResultLine = 2000
	fallbackResultLen   = 200
	truncatedMarker     = "...(truncated)"
)

// FormatReportResult prepares worker output for a report record: control
// characters become spaces, each line is capped at 2000 characters and the
// whole result at 4096.
func FormatReportResult(output string) string {
	return truncateReport(sanitize(strings.TrimSpace(output)))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return ' '
		case r == utf8.RuneError:
			return -1
		}
		return r
	}, s)
}

func truncateReport(s string) string {
	if utf8.RuneCountInString(s) <= maxReportResult && !hasLongLine(s) {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var sb strings.Builder
	total := 0
	for i, line := range strings.Split(s, "\n") {
		chunk := line
		if utf8.RuneCountInString(chunk) > maxReportResultLine {
			chunk = string([]rune(chunk)[:maxReportResultLine]) + "..."
		}
		n := utf8.RuneCountInString(chunk)
		if total+n+1 > maxReportResult {
			remain := maxReportResult - total - utf8.RuneCountInString(truncatedMarker) - 2
			if remain > 0 {
				if i > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(string([]rune(chunk)[:min(remain, n)]))
			}
			sb.WriteString("\n" + truncatedMarker)
			break
		}
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(chunk)
		total += n + 1
	}
	return sb.String()
}

func hasLongLine(s string) bool {
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if utf8.RuneCountInString(line) > maxReportResultLine {
			return true
		}
	}
	return false
}

// truncateRunes caps s at n characters, ending with "..." when cut.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
