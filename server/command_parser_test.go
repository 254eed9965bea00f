package server

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		tagged  bool
		want    Command
		wantErr error
	}{
		{"empty", "", true, Command{}, nil},
		{"tag only", "a1", true, Command{Tag: "a1"}, nil},
		{"tagged no args", "a1 capability", true, Command{Tag: "a1", Name: "CAPABILITY"}, nil},
		{"login atoms", "a2 LOGIN test-abc123 secret", true,
			Command{Tag: "a2", Name: "LOGIN", Args: []string{"test-abc123", "secret"}}, nil},
		{"login quoted", `a3 LOGIN "test-abc123@example.org" "p a\"ss"`, true,
			Command{Tag: "a3", Name: "LOGIN", Args: []string{`"test-abc123@example.org"`, `"p a\"ss"`}}, nil},
		{"extra spaces", "  a4   SELECT    INBOX  ", true,
			Command{Tag: "a4", Name: "SELECT", Args: []string{"INBOX"}}, nil},
		{"untagged smtp", "MAIL FROM:<a@b>", false,
			Command{Name: "MAIL", Args: []string{"FROM:<a@b>"}}, nil},
		{"unclosed", `a5 LOGIN "user pass`, true,
			Command{Tag: "a5", Name: "LOGIN"}, ErrUnclosedQuote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.line, tt.tagged)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandArg(t *testing.T) {
	cmd, err := ParseCommand(`a1 LOGIN "test-abc123" "pa\\ss"`, true)
	require.NoError(t, err)
	assert.Equal(t, "test-abc123", cmd.Arg(0))
	assert.Equal(t, `pa\ss`, cmd.Arg(1))
	assert.Equal(t, "", cmd.Arg(2))
	assert.Equal(t, "", cmd.Arg(-1))
}

func TestUnquoteString(t *testing.T) {
	tests := map[string]string{
		`plain`:         `plain`,
		`"quoted"`:      `quoted`,
		`""`:            ``,
		`"`:             `"`,
		`"a\"b"`:        `a"b`,
		`"back\\slash"`: `back\slash`,
		`"unterminated`: `"unterminated`,
	}
	for in, want := range tests {
		assert.Equal(t, want, UnquoteString(in), in)
	}
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("EHLO a\r\nNOOP\n"+strings.Repeat("x", 100)+"\r\nQUIT\r\npartial"), 16)

	line, err := ReadLine(r, 64)
	require.NoError(t, err)
	assert.Equal(t, "EHLO a", line)

	line, err = ReadLine(r, 64)
	require.NoError(t, err)
	assert.Equal(t, "NOOP", line)

	_, err = ReadLine(r, 64)
	assert.ErrorIs(t, err, ErrLineTooLong)

	// The oversized line was drained entirely.
	line, err = ReadLine(r, 64)
	require.NoError(t, err)
	assert.Equal(t, "QUIT", line)

	_, err = ReadLine(r, 64)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadCommandLineLiterals(t *testing.T) {
	input := "a1 LOGIN {11}\r\ntest-abc123 {8}\r\nSe\"cr3t!\r\n" +
		"a2 LOGIN user {4+}\r\np\\ss\r\n" +
		"a3 NOOP\r\n"
	r := bufio.NewReader(strings.NewReader(input))
	prompts := 0
	ready := func() error { prompts++; return nil }

	line, logged, err := ReadCommandLine(r, MaxLineLength, ready)
	require.NoError(t, err)
	assert.Equal(t, `a1 LOGIN "test-abc123" "Se\"cr3t!"`, line)
	assert.Equal(t, "a1 LOGIN {11} {8}", logged)
	assert.NotContains(t, logged, "cr3t")
	assert.Equal(t, 2, prompts)

	cmd, err := ParseCommand(line, true)
	require.NoError(t, err)
	assert.Equal(t, "test-abc123", cmd.Arg(0))
	assert.Equal(t, `Se"cr3t!`, cmd.Arg(1))

	line, logged, err = ReadCommandLine(r, MaxLineLength, ready)
	require.NoError(t, err)
	assert.Equal(t, `a2 LOGIN user "p\\ss"`, line)
	assert.Equal(t, "a2 LOGIN user {4+}", logged)
	assert.Equal(t, 2, prompts, "non-synchronizing literals get no continuation")
	cmd, err = ParseCommand(line, true)
	require.NoError(t, err)
	assert.Equal(t, `p\ss`, cmd.Arg(1))

	line, _, err = ReadCommandLine(r, MaxLineLength, ready)
	require.NoError(t, err)
	assert.Equal(t, "a3 NOOP", line)
}

func TestReadCommandLineLiteralTooLarge(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("a1 LOGIN user {999999}\r\na2 NOOP\r\n"))
	called := false
	_, logged, err := ReadCommandLine(r, MaxLineLength, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrLiteralTooLarge)
	assert.Equal(t, "a1 LOGIN user {999999}", logged)
	assert.False(t, called)

	line, _, err := ReadCommandLine(r, MaxLineLength, nil)
	require.NoError(t, err)
	assert.Equal(t, "a2 NOOP", line)
}

func TestLiteralMarker(t *testing.T) {
	tests := []struct {
		line    string
		head    string
		n       int
		nonSync bool
		ok      bool
	}{
		{"a1 LOGIN user {8}", "a1 LOGIN user ", 8, false, true},
		{"a1 LOGIN user {0}", "a1 LOGIN user ", 0, false, true},
		{"a1 APPEND INBOX {12+}", "a1 APPEND INBOX ", 12, true, true},
		{"a1 LOGIN user pass", "", 0, false, false},
		{"a1 LOGIN user {x}", "", 0, false, false},
		{"a1 LOGIN user {}", "", 0, false, false},
		{"a1 LOGIN user }", "", 0, false, false},
	}
	for _, tt := range tests {
		head, n, nonSync, ok := literalMarker(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if ok {
			assert.Equal(t, tt.head, head, tt.line)
			assert.Equal(t, tt.n, n, tt.line)
			assert.Equal(t, tt.nonSync, nonSync, tt.line)
		}
	}
}
