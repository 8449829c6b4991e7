package wire

import (
	"fmt"
	"strconv"
	"strings"
)

type LineKind int

const (
	LineOther LineKind = iota
	LineOut
	LineResult
)

// Line is one parsed runner output line.
type Line struct {
	Kind     LineKind
	Text     string
	ExitCode int
}

// FormatOut renders a progress line. Line breaks inside text are folded so
// one call always yields one line.
func FormatOut(text string) string {
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.ReplaceAll(text, "\n", " ")
	return OutPrefix + text + "\n"
}

// FormatResult renders the terminal line of a job.
func FormatResult(exitCode int, output string) string {
	return fmt.Sprintf("%s exitCode: %d, output: %s\n", ResultPrefix, exitCode, Quote(output))
}

// ParseLine classifies one line read from a runner. line must not include
// its trailing newline. Lines that are neither OUT nor RESULT are reported
// as LineOther with the raw text.
func ParseLine(line string) (Line, error) {
	line = strings.TrimRight(line, "\r")
	switch {
	case strings.HasPrefix(line, OutPrefix):
		return Line{Kind: LineOut, Text: line[len(OutPrefix):]}, nil
	case strings.HasPrefix(line, ResultPrefix):
		code, output, err := parseResult(line[len(ResultPrefix):])
		if err != nil {
			return Line{Kind: LineResult, Text: line}, err
		}
		return Line{Kind: LineResult, Text: output, ExitCode: code}, nil
	default:
		return Line{Kind: LineOther, Text: line}, nil
	}
}

// parseResult tokenizes ` exitCode: <int>, output: "<escaped>"`.
func parseResult(s string) (int, string, error) {
	t := &tokenizer{s: s}
	if err := t.label("exitCode"); err != nil {
		return 0, "", err
	}
	code, err := t.integer()
	if err != nil {
		return 0, "", err
	}
	if err := t.punct(','); err != nil {
		return 0, "", err
	}
	if err := t.label("output"); err != nil {
		return 0, "", err
	}
	output, err := t.quoted()
	if err != nil {
		return 0, "", err
	}
	t.skipSpace()
	if t.pos != len(t.s) {
		return 0, "", fmt.Errorf("%w: trailing data in RESULT line", ErrMalformed)
	}
	return code, output, nil
}

type tokenizer struct {
	s   string
	pos int
}

func (t *tokenizer) skipSpace() {
	for t.pos < len(t.s) && (t.s[t.pos] == ' ' || t.s[t.pos] == '\t') {
		t.pos++
	}
}

// label consumes `name:` with optional surrounding blanks.
func (t *tokenizer) label(name string) error {
	t.skipSpace()
	if !strings.HasPrefix(t.s[t.pos:], name) {
		return fmt.Errorf("%w: expected %q at offset %d", ErrMalformed, name, t.pos)
	}
	t.pos += len(name)
	return t.punct(':')
}

func (t *tokenizer) punct(c byte) error {
	t.skipSpace()
	if t.pos >= len(t.s) || t.s[t.pos] != c {
		return fmt.Errorf("%w: expected %q at offset %d", ErrMalformed, c, t.pos)
	}
	t.pos++
	return nil
}

func (t *tokenizer) integer() (int, error) {
	t.skipSpace()
	start := t.pos
	if t.pos < len(t.s) && t.s[t.pos] == '-' {
		t.pos++
	}
	for t.pos < len(t.s) && t.s[t.pos] >= '0' && t.s[t.pos] <= '9' {
		t.pos++
	}
	n, err := strconv.Atoi(t.s[start:t.pos])
	if err != nil {
		return 0, fmt.Errorf("%w: bad exit code %q", ErrMalformed, t.s[start:t.pos])
	}
	return n, nil
}

func (t *tokenizer) quoted() (string, error) {
	t.skipSpace()
	if t.pos >= len(t.s) || t.s[t.pos] != '"' {
		return "", fmt.Errorf("%w: expected quoted output at offset %d", ErrMalformed, t.pos)
	}
	out, rest, err := scanQuoted(t.s[t.pos+1:])
	if err != nil {
		return "", err
	}
	t.pos = len(t.s) - len(rest)
	return out, nil
}
