package eventlog

import (
	"encoding/hex"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"lukechampine.com/blake3"
)

const pseudonymCacheSize = 4096

var sensitiveKeys = map[string]struct{}{
	"password":         {},
	"pass":             {},
	"passwd":           {},
	"secret":           {},
	"username":         {},
	"user":             {},
	"credentials":      {},
	"auth_data":        {},
	"initial_response": {},
	"response":         {},
}

// IsSensitiveKey reports whether an attribute key may carry credentials.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// Filter strips credential-bearing attributes from events and replaces
// client addresses with keyed pseudonyms.
type Filter struct {
	key   [32]byte
	cache *lru.Cache[string, string]
}

// NewFilter derives the pseudonym key from secret. An empty secret still
// hides addresses but makes pseudonyms predictable across deployments.
func NewFilter(secret string) (*Filter, error) {
	cache, err := lru.New[string, string](pseudonymCacheSize)
	if err != nil {
		return nil, err
	}
	return &Filter{
		key:   blake3.Sum256([]byte(secret)),
		cache: cache,
	}, nil
}

// Pseudonym returns a stable, non-reversible stand-in for identifier.
func (f *Filter) Pseudonym(identifier string) string {
	if identifier == "" {
		return ""
	}
	if p, ok := f.cache.Get(identifier); ok {
		return p
	}
	h := blake3.New(16, f.key[:])
	h.Write([]byte(identifier))
	p := "c_" + hex.EncodeToString(h.Sum(nil))
	f.cache.Add(identifier, p)
	return p
}

// Apply returns ev with sensitive attributes removed and the raw client
// identifier replaced by its pseudonym. The attribute map is copied.
func (f *Filter) Apply(ev Event, rawClient string) Event {
	ev.Client = f.Pseudonym(rawClient)
	if len(ev.Attrs) == 0 {
		ev.Attrs = nil
		return ev
	}
	clean := make(map[string]any, len(ev.Attrs))
	for k, v := range ev.Attrs {
		if IsSensitiveKey(k) {
			continue
		}
		clean[k] = v
	}
	if len(clean) == 0 {
		clean = nil
	}
	ev.Attrs = clean
	return ev
}
