package imap

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

const (
	inboxName     = "INBOX"
	uidValidity   = 1
	messageUID    = 1
	internalDate  = "02-Jan-2006 15:04:05 -0700"
	messageFlags  = `\Seen`
	mailboxFlags  = `\Answered \Flagged \Deleted \Seen \Draft`
	cannedSubject = "Mail client self-test"
)

const cannedBody = `This mailbox belongs to a mail client self-test server.

If you can read this message your client fetched mail from it. The result
of the test depends on whether your credentials were sent over an encrypted
connection, not on this message.
`

// mailbox is the one read-only INBOX every session sees.
type mailbox struct {
	raw      []byte
	header   []byte
	received time.Time
}

func newMailbox(hostname string) (*mailbox, error) {
	received := time.Now().UTC().Truncate(time.Second)

	var h mail.Header
	h.SetDate(received)
	h.SetSubject(cannedSubject)
	h.SetAddressList("From", []*mail.Address{{Name: "Self-test", Address: "selftest@" + hostname}})
	h.SetAddressList("To", []*mail.Address{{Address: "client@" + hostname}})
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, strings.ReplaceAll(cannedBody, "\n", "\r\n")); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	raw := buf.Bytes()
	header := raw
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		header = raw[:i+4]
	}
	return &mailbox{raw: raw, header: header, received: received}, nil
}

func (m *mailbox) exists() int { return 1 }

// matches reports whether name refers to INBOX. The name is case
// insensitive.
func (m *mailbox) matches(name string) bool {
	return strings.EqualFold(name, inboxName)
}

// listed reports whether a LIST pattern selects INBOX.
func listed(pattern string) bool {
	switch pattern {
	case "*", "%", "INBOX*", "INBOX%":
		return true
	}
	return strings.EqualFold(pattern, inboxName)
}

// statusItems answers STATUS for the requested items in request order.
// Unknown items are skipped.
func (m *mailbox) statusItems(items []string) string {
	var out []string
	for _, item := range items {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			out = append(out, "MESSAGES "+strconv.Itoa(m.exists()))
		case "RECENT":
			out = append(out, "RECENT 0")
		case "UIDNEXT":
			out = append(out, "UIDNEXT "+strconv.Itoa(messageUID+1))
		case "UIDVALIDITY":
			out = append(out, "UIDVALIDITY "+strconv.Itoa(uidValidity))
		case "UNSEEN":
			out = append(out, "UNSEEN 0")
		}
	}
	return strings.Join(out, " ")
}

// containsFirst reports whether a sequence set (or UID set) includes
// message 1, the only message there is.
func containsFirst(set string) bool {
	for _, part := range strings.Split(set, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		if !isRange {
			hi = lo
		}
		a, okA := seqNumber(lo)
		b, okB := seqNumber(hi)
		if !okA || !okB {
			continue
		}
		if a > b {
			a, b = b, a
		}
		if a <= 1 && b >= 1 {
			return true
		}
	}
	return false
}

func seqNumber(s string) (uint32, bool) {
	if s == "*" {
		return 1, true
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

// fetchItems expands FETCH macros and splits a data item list into upper
// case item names. Section specifiers stay attached to their item.
func fetchItems(spec string) []string {
	spec = strings.TrimSpace(spec)
	spec = strings.TrimPrefix(spec, "(")
	spec = strings.TrimSuffix(spec, ")")

	var items []string
	depth := 0
	start := 0
	for i := 0; i <= len(spec); i++ {
		if i < len(spec) {
			switch spec[i] {
			case '[', '(':
				depth++
				continue
			case ']', ')':
				depth--
				continue
			case ' ':
				if depth > 0 {
					continue
				}
			default:
				continue
			}
		}
		if item := strings.ToUpper(strings.TrimSpace(spec[start:i])); item != "" {
			items = append(items, item)
		}
		start = i + 1
	}

	var out []string
	for _, item := range items {
		switch item {
		case "ALL", "FAST", "FULL":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE")
		default:
			out = append(out, item)
		}
	}
	return out
}

// fetchResponse renders the attributes of message 1 for items. Items the
// mailbox does not serve (ENVELOPE, BODYSTRUCTURE, partial sections) are
// left out of the response.
func (m *mailbox) fetchResponse(items []string, uid bool) string {
	var parts []string
	hasUID := false
	for _, item := range items {
		switch {
		case item == "UID":
			hasUID = true
			parts = append(parts, "UID "+strconv.Itoa(messageUID))
		case item == "FLAGS":
			parts = append(parts, "FLAGS ("+messageFlags+")")
		case item == "RFC822.SIZE":
			parts = append(parts, "RFC822.SIZE "+strconv.Itoa(len(m.raw)))
		case item == "INTERNALDATE":
			parts = append(parts, `INTERNALDATE "`+m.received.Format(internalDate)+`"`)
		case item == "RFC822":
			parts = append(parts, literal("RFC822", m.raw))
		case item == "RFC822.HEADER":
			parts = append(parts, literal("RFC822.HEADER", m.header))
		case item == "BODY[]" || item == "BODY.PEEK[]":
			parts = append(parts, literal("BODY[]", m.raw))
		case strings.HasPrefix(item, "BODY[HEADER") || strings.HasPrefix(item, "BODY.PEEK[HEADER"):
			parts = append(parts, literal("BODY[HEADER]", m.header))
		}
	}
	if uid && !hasUID {
		parts = append([]string{"UID " + strconv.Itoa(messageUID)}, parts...)
	}
	return fmt.Sprintf("* 1 FETCH (%s)", strings.Join(parts, " "))
}

func literal(name string, data []byte) string {
	return fmt.Sprintf("%s {%d}\r\n%s", name, len(data), data)
}
