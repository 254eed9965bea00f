package resolver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{"plain token", "test-abc123", "abc123", true},
		{"with domain", "test-abc123@selftest.example", "abc123", true},
		{"quoted", `"test-Abc123XYZ"`, "Abc123XYZ", true},
		{"quoted with domain", `"test-abc123@example.org"`, "abc123", true},
		{"single quoted", `'test-abc123'`, "abc123", true},
		{"single quoted with domain", `'test-abc123@example.org'`, "abc123", true},
		{"only single quote", `'`, "", false},
		{"surrounding space", "  test-abc123 \r\n", "abc123", true},
		{"max length", "test-" + strings.Repeat("a", 64), strings.Repeat("a", 64), true},
		{"too short", "test-abc12", "", false},
		{"too long", "test-" + strings.Repeat("a", 65), "", false},
		{"wrong prefix", "tset-abc123", "", false},
		{"uppercase prefix", "TEST-abc123", "", false},
		{"punctuation in token", "test-abc_123", "", false},
		{"empty", "", "", false},
		{"only quote", `"`, "", false},
		{"only at", "@", "", false},
		{"binary garbage", "\x00\xff\xfe", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewTokenRoundTrip(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		token := NewToken()
		got, ok := Resolve(Username(token))
		assert.True(t, ok, "minted token %q must resolve", token)
		assert.Equal(t, token, got)
		seen[token] = struct{}{}
	}
	assert.Len(t, seen, 100)
}
