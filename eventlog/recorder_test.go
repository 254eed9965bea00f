package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/selftest/modestore"
)

type captureMirror struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *captureMirror) Publish(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func TestFilter_Pseudonym(t *testing.T) {
	f, err := NewFilter("secret-key")
	require.NoError(t, err)

	p1 := f.Pseudonym("192.0.2.10")
	p2 := f.Pseudonym("192.0.2.10")
	p3 := f.Pseudonym("192.0.2.11")

	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)
	assert.True(t, strings.HasPrefix(p1, "c_"))
	assert.NotContains(t, p1, "192.0.2.10")
	assert.Len(t, p1, 2+32)
	assert.Empty(t, f.Pseudonym(""))

	other, err := NewFilter("another-key")
	require.NoError(t, err)
	assert.NotEqual(t, p1, other.Pseudonym("192.0.2.10"))
}

func TestFilter_StripsSensitiveAttributes(t *testing.T) {
	f, err := NewFilter("k")
	require.NoError(t, err)

	attrs := map[string]any{
		"mechanism": "PLAIN",
		"Password":  "hunter2",
		"username":  "test-abc123",
		"auth_data": "AHRlc3QtYWJjMTIzAGh1bnRlcjI=",
	}
	ev := f.Apply(Event{Kind: KindAuthAttempt, Attrs: attrs}, "198.51.100.7")

	assert.Equal(t, map[string]any{"mechanism": "PLAIN"}, ev.Attrs)
	assert.Equal(t, f.Pseudonym("198.51.100.7"), ev.Client)
	// The caller's map is untouched.
	assert.Contains(t, attrs, "Password")

	onlySecrets := f.Apply(Event{Attrs: map[string]any{"pass": "x"}}, "")
	assert.Nil(t, onlySecrets.Attrs)
}

func TestRecorder_RecordStampsFiltersAndMirrors(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	f, err := NewFilter("k")
	require.NoError(t, err)
	mirror := &captureMirror{err: errors.New("bus down")}
	rec := NewRecorder(l, f, mirror)

	meta := Meta{
		Protocol:     "smtp",
		Scenario:     modestore.T1,
		ModeSource:   modestore.SourceOverride,
		ArmedSession: "abc123",
		ServerPort:   587,
		Client:       "203.0.113.5",
		ConnID:       "conn1",
	}
	ev := rec.Record(ctx, meta, KindAuthAttempt, false, "abc123", map[string]any{
		"mechanism": "PLAIN",
		"password":  "hunter2",
	})

	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "abc123", ev.SessionValue())

	stored := Collect(l.Query(ctx, "abc123", "smtp"))
	require.Len(t, stored, 1)
	assert.Equal(t, ev.ID, stored[0].ID)
	assert.Equal(t, modestore.SourceOverride, stored[0].ModeSource)
	assert.Equal(t, 587, stored[0].ServerPort)
	assert.NotContains(t, stored[0].Attrs, "password")

	require.Len(t, mirror.events, 1)
	assert.Equal(t, ev.ID, mirror.events[0].ID)

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.NotContains(t, string(raw), "203.0.113.5")

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &line))
	assert.Equal(t, "auth_attempt", line["event"])
	assert.Equal(t, "t1", line["mode"])
	assert.Equal(t, "abc123", line["session"])
	assert.Equal(t, false, line["tls"])
}

func TestRecorder_PreAuthEventsHaveNullSession(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	f, err := NewFilter("")
	require.NoError(t, err)
	rec := NewRecorder(l, f)

	rec.Record(ctx, Meta{Protocol: "imap", Scenario: modestore.Baseline}, KindConnect, false, "", nil)

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"session":null`)
	assert.NotContains(t, string(raw), "armed_session")
}

func TestRecorder_AppendFailureDoesNotMirror(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.Close())
	f, err := NewFilter("k")
	require.NoError(t, err)
	mirror := &captureMirror{}

	NewRecorder(l, f, mirror).Record(context.Background(), Meta{Protocol: "smtp"}, KindConnect, false, "", nil)
	assert.Empty(t, mirror.events)
}
