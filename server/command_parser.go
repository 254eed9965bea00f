package server

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

// MaxLineLength bounds a single client command line, terminator included.
const MaxLineLength = 4096

// MaxLiteralSize bounds the literal octets carried by one command.
const MaxLiteralSize = 64 * 1024

var (
	ErrLineTooLong     = errors.New("command line too long")
	ErrUnclosedQuote   = errors.New("unclosed quote in command arguments")
	ErrLiteralTooLarge = errors.New("literal too large")
)

// Command is one parsed client line.
type Command struct {
	Tag  string
	Name string // upper-cased verb
	// Args keep quoted strings with their quotes; see UnquoteString.
	Args []string
}

// Arg returns the i-th argument with quotes removed, or "".
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return UnquoteString(c.Args[i])
}

// ReadLine reads one CRLF or LF terminated line and returns it without the
// terminator. Lines longer than limit are drained and reported with
// ErrLineTooLong so the caller can answer and keep reading.
func ReadLine(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > limit {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		if tooLong {
			return "", ErrLineTooLong
		}
		return strings.TrimRight(string(buf), "\r\n"), nil
	}
}

// literalMarker reports the octet count announced by a trailing "{n}" or
// "{n+}" and the line without the marker.
func literalMarker(line string) (head string, n int, nonSync bool, ok bool) {
	if !strings.HasSuffix(line, "}") {
		return "", 0, false, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return "", 0, false, false
	}
	count := line[open+1 : len(line)-1]
	if strings.HasSuffix(count, "+") {
		nonSync = true
		count = count[:len(count)-1]
	}
	if count == "" || strings.TrimLeft(count, "0123456789") != "" {
		return "", 0, false, false
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return "", 0, false, false
	}
	return line[:open], n, nonSync, true
}

// quoteString renders s as an IMAP quoted string.
func quoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// ReadCommandLine reads one IMAP command line including every literal it
// announces. ready is called before the octets of each synchronizing
// literal are read and should send the "+" continuation. Literals are
// inlined into line as quoted strings, so ParseCommand sees them as
// ordinary arguments; logged keeps the "{n}" markers instead of the octets.
//
// A literal over MaxLiteralSize ends the command with ErrLiteralTooLarge.
// The octets of a non-synchronizing literal are drained first so the next
// read starts on a fresh command.
func ReadCommandLine(r *bufio.Reader, limit int, ready func() error) (line, logged string, err error) {
	var full, plain strings.Builder
	total := 0
	for {
		part, err := ReadLine(r, limit)
		if err != nil {
			return "", "", err
		}
		head, n, nonSync, ok := literalMarker(part)
		if !ok {
			full.WriteString(part)
			plain.WriteString(part)
			return full.String(), plain.String(), nil
		}
		full.WriteString(head)
		plain.WriteString(part)

		total += n
		if total > MaxLiteralSize {
			if nonSync {
				io.CopyN(io.Discard, r, int64(n))
				ReadLine(r, limit)
			}
			return "", plain.String(), ErrLiteralTooLarge
		}
		if !nonSync {
			if err := ready(); err != nil {
				return "", "", err
			}
		}
		octets := make([]byte, n)
		if _, err := io.ReadFull(r, octets); err != nil {
			return "", "", err
		}
		full.WriteString(quoteString(string(octets)))
	}
}

// ParseCommand splits a line into an optional tag, the verb and its
// arguments. Arguments are atoms or double-quoted strings; literals are
// inlined as quoted strings by ReadCommandLine before parsing.
func ParseCommand(line string, tagged bool) (Command, error) {
	var cmd Command
	rem := strings.TrimSpace(line)
	if rem == "" {
		return cmd, nil
	}

	if tagged {
		cmd.Tag, rem, _ = strings.Cut(rem, " ")
		rem = strings.TrimSpace(rem)
	}
	if rem == "" {
		return cmd, nil
	}

	var name string
	name, rem, _ = strings.Cut(rem, " ")
	cmd.Name = strings.ToUpper(name)

	for {
		rem = strings.TrimLeft(rem, " ")
		if rem == "" {
			return cmd, nil
		}
		if rem[0] != '"' {
			arg, rest, _ := strings.Cut(rem, " ")
			cmd.Args = append(cmd.Args, arg)
			rem = rest
			continue
		}
		end := closingQuote(rem)
		if end < 0 {
			return cmd, ErrUnclosedQuote
		}
		cmd.Args = append(cmd.Args, rem[:end+1])
		rem = rem[end+1:]
	}
}

// closingQuote returns the index of the quote closing the string that
// starts at s[0], honouring backslash escapes.
func closingQuote(s string) int {
	escaped := false
	for i := 1; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			return i
		}
	}
	return -1
}

// UnquoteString strips surrounding double quotes and resolves the \" and
// \\ escapes. Unquoted input is returned as is.
func UnquoteString(str string) string {
	if len(str) < 2 || str[0] != '"' || str[len(str)-1] != '"' {
		return str
	}
	inner := str[1 : len(str)-1]
	if !strings.Contains(inner, `\`) {
		return inner
	}
	var sb strings.Builder
	sb.Grow(len(inner))
	escaped := false
	for i := 0; i < len(inner); i++ {
		if !escaped && inner[i] == '\\' {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteByte(inner[i])
	}
	return sb.String()
}
