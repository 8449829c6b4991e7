package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"approve job?", "approve job?"},
		{`execute directive "cmd_1"?`, `execute directive \"cmd_1\"?`},
		{`C:\path`, `C:\\path`},
		{`"q" \b`, `\"q\" \\b`},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeAppleScript(tt.in), tt.in)
	}
}

func TestSendSatisfiesFunc(t *testing.T) {
	var f Func = Send
	assert.NotNil(t, f)
}
