// Package wire implements the line protocol spoken between the process host
// and a resident runner over stdio.
//
// A request is a block of "key: value" lines closed by a line containing
// only "---". The runner answers with any number of "OUT:<text>" progress
// lines followed by exactly one
//
//	RESULT: exitCode: <int>, output: "<escaped>"
//
// line.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	Terminator   = "---"
	OutPrefix    = "OUT:"
	ResultPrefix = "RESULT:"
)

const (
	keyPrompt           = "prompt"
	keySystemPromptFile = "systemPromptFile"
	keyModelID          = "modelId"
	keyThinking         = "thinking"
	keyCwd              = "cwd"
)

var ErrMalformed = errors.New("malformed protocol line")

// Request is one unit of work for a runner.
type Request struct {
	Prompt           string
	SystemPromptFile string
	ModelID          string
	Thinking         bool
	Cwd              string
}

// Encode renders the request block including its terminator line.
func (r Request) Encode() []byte {
	var sb strings.Builder
	writeField(&sb, keyPrompt, r.Prompt)
	writeField(&sb, keySystemPromptFile, r.SystemPromptFile)
	if r.ModelID != "" {
		writeField(&sb, keyModelID, r.ModelID)
	}
	sb.WriteString(keyThinking)
	sb.WriteString(": ")
	sb.WriteString(strconv.FormatBool(r.Thinking))
	sb.WriteByte('\n')
	if r.Cwd != "" {
		writeField(&sb, keyCwd, r.Cwd)
	}
	sb.WriteString(Terminator)
	sb.WriteByte('\n')
	return []byte(sb.String())
}

// WriteTo writes the encoded request to w.
func (r Request) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Encode())
	return int64(n), err
}

func writeField(sb *strings.Builder, key, value string) {
	sb.WriteString(key)
	sb.WriteString(": ")
	sb.WriteString(FormatValue(value))
	sb.WriteByte('\n')
}

// Decoder reads request blocks from a stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode returns the next non-empty request. It returns io.EOF when the
// stream ends, discarding any unterminated trailing block.
func (d *Decoder) Decode() (Request, error) {
	var lines []string
	for {
		line, err := d.r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			if strings.TrimSpace(line) == Terminator {
				if len(lines) == 0 {
					continue
				}
				return parseRequest(lines)
			}
			lines = append(lines, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Request{}, io.EOF
			}
			return Request{}, fmt.Errorf("read request: %w", err)
		}
	}
}

func parseRequest(lines []string) (Request, error) {
	var req Request
	for _, line := range lines {
		key, raw, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value, err := ParseValue(strings.TrimSpace(raw))
		if err != nil {
			return Request{}, fmt.Errorf("field %s: %w", strings.TrimSpace(key), err)
		}
		switch strings.TrimSpace(key) {
		case keyPrompt:
			req.Prompt = value
		case keySystemPromptFile:
			req.SystemPromptFile = value
		case keyModelID:
			req.ModelID = value
		case keyThinking:
			req.Thinking = value == "true"
		case keyCwd:
			req.Cwd = value
		}
	}
	return req, nil
}

// FormatValue returns s unchanged when it can be carried bare on a field
// line and a quoted, escaped form otherwise.
func FormatValue(s string) string {
	if needsQuote(s) {
		return Quote(s)
	}
	return s
}

// ParseValue reverses FormatValue. v must already be trimmed.
func ParseValue(v string) (string, error) {
	if strings.HasPrefix(v, `"`) {
		return Unquote(v)
	}
	return v, nil
}

func needsQuote(s string) bool {
	if s == "" || s != strings.TrimSpace(s) || !utf8.ValidString(s) {
		return true
	}
	for _, c := range s {
		switch {
		case c == ':', c == '"', c == '#', c == '\\':
			return true
		case c < 0x20, c == 0x7f:
			return true
		}
	}
	return false
}

// Quote wraps s in double quotes, escaping it with Escape.
func Quote(s string) string {
	return `"` + Escape(s) + `"`
}

// Escape encodes backslash, double quote and control characters so the
// result fits on one line. Bytes that are not valid UTF-8 become \xNN.
func Escape(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	for i := 0; i < len(s); {
		c, size := utf8.DecodeRuneInString(s[i:])
		if c == utf8.RuneError && size == 1 {
			fmt.Fprintf(&sb, `\x%02x`, s[i])
			i++
			continue
		}
		i += size
		switch c {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&sb, `\u%04x`, c)
				continue
			}
			sb.WriteRune(c)
		}
	}
	return sb.String()
}

// Unquote decodes a value produced by Quote. The value must be a single
// quoted string with nothing after the closing quote.
func Unquote(v string) (string, error) {
	if !strings.HasPrefix(v, `"`) {
		return "", fmt.Errorf("%w: missing opening quote", ErrMalformed)
	}
	s, rest, err := scanQuoted(v[1:])
	if err != nil {
		return "", err
	}
	if rest != "" {
		return "", fmt.Errorf("%w: trailing data after quoted value", ErrMalformed)
	}
	return s, nil
}

// scanQuoted decodes up to the first unescaped quote in s and returns the
// decoded text and whatever follows the quote.
func scanQuoted(s string) (string, string, error) {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			return sb.String(), s[i+1:], nil
		case '\\':
			if i+1 >= len(s) {
				return "", "", fmt.Errorf("%w: dangling escape", ErrMalformed)
			}
			i++
			switch s[i] {
			case '\\':
				sb.WriteByte('\\')
			case '"':
				sb.WriteByte('"')
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'u':
				if i+4 >= len(s) {
					return "", "", fmt.Errorf("%w: short \\u escape", ErrMalformed)
				}
				n, err := strconv.ParseUint(s[i+1:i+5], 16, 16)
				if err != nil {
					return "", "", fmt.Errorf("%w: bad \\u escape %q", ErrMalformed, s[i+1:i+5])
				}
				sb.WriteRune(rune(n))
				i += 4
			case 'x':
				if i+2 >= len(s) {
					return "", "", fmt.Errorf("%w: short \\x escape", ErrMalformed)
				}
				n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
				if err != nil {
					return "", "", fmt.Errorf("%w: bad \\x escape %q", ErrMalformed, s[i+1:i+3])
				}
				sb.WriteByte(byte(n))
				i += 2
			default:
				return "", "", fmt.Errorf("%w: unknown escape \\%c", ErrMalformed, s[i])
			}
		default:
			sb.WriteByte(c)
		}
	}
	return "", "", fmt.Errorf("%w: missing closing quote", ErrMalformed)
}
