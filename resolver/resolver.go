// Package resolver derives test session identifiers from the usernames
// clients authenticate with. Source addresses are never used for this
// because testers commonly share NAT egress addresses.
package resolver

import (
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Prefix is the literal every session username starts with.
const Prefix = "test-"

var usernamePattern = regexp.MustCompile(`^test-([A-Za-z0-9]{6,64})$`)

// Resolve returns the session token embedded in a raw username such as
// "test-abc123" or "\"test-abc123@example.org\"". Surrounding single or
// double quotes are dropped. The second return value is false when the
// username does not carry a token.
func Resolve(raw string) (string, bool) {
	u := strings.Trim(strings.TrimSpace(raw), `"'`)
	if i := strings.IndexByte(u, '@'); i >= 0 {
		u = u[:i]
	}
	m := usernamePattern.FindStringSubmatch(u)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Username returns the username a client should log in with for token.
func Username(token string) string {
	return Prefix + token
}

// NewToken mints a fresh session token. Tokens are ULIDs, so they sort by
// creation time and always satisfy Resolve.
func NewToken() string {
	return ulid.Make().String()
}
