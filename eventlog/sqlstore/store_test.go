package sqlstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/modestore"
)

func ptr(s string) *string { return &s }

func event(id string, kind eventlog.Kind, protocol string, session *string, tls bool) eventlog.Event {
	return eventlog.Event{
		ID:         id,
		Timestamp:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Session:    session,
		Protocol:   protocol,
		Scenario:   modestore.T3,
		ModeSource: modestore.SourceOverride,
		ServerPort: 143,
		TLS:        tls,
		Kind:       kind,
		Attrs:      map[string]any{"result": "refused"},
	}
}

func openStores(t *testing.T) map[string]*Store {
	t.Helper()
	ctx := context.Background()
	stores := make(map[string]*Store)

	lite, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })
	stores["sqlite"] = lite

	if dsn := os.Getenv("SELFTEST_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := Open(ctx, Postgres, dsn)
		require.NoError(t, err)
		_, err = pg.db.ExecContext(ctx, `TRUNCATE events`)
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close() })
		stores["postgres"] = pg
	}
	return stores
}

func TestStore_AppendAndQuery(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pre := event("01", eventlog.KindConnect, "imap", nil, false)
			pre.ArmedSession = ptr("abc123")
			require.NoError(t, s.Append(ctx, pre))
			require.NoError(t, s.Append(ctx, event("02", eventlog.KindStartTLS, "imap", nil, false)))
			require.NoError(t, s.Append(ctx, event("03", eventlog.KindLoginCommand, "imap", ptr("abc123"), false)))
			require.NoError(t, s.Append(ctx, event("04", eventlog.KindAuthAttempt, "smtp", ptr("abc123"), true)))
			require.NoError(t, s.Append(ctx, event("05", eventlog.KindAuthAttempt, "smtp", ptr("zzz999"), true)))

			all := eventlog.Collect(s.Query(ctx, "abc123", ""))
			require.Len(t, all, 3)
			assert.Equal(t, []string{"01", "03", "04"}, []string{all[0].ID, all[1].ID, all[2].ID})
			assert.Equal(t, modestore.T3, all[1].Scenario)
			assert.Equal(t, "refused", all[1].Attr("result"))
			assert.True(t, all[0].Timestamp.Equal(pre.Timestamp))

			imapOnly := eventlog.Collect(s.Query(ctx, "abc123", "imap"))
			require.Len(t, imapOnly, 2)
			assert.Equal(t, eventlog.KindLoginCommand, imapOnly[1].Kind)
			assert.False(t, imapOnly[1].TLS)

			// Same answer on every pass.
			seq := s.Query(ctx, "abc123", "smtp")
			assert.Equal(t, eventlog.Collect(seq), eventlog.Collect(seq))

			// A session-wide observation counts for every protocol.
			require.NoError(t, s.Append(ctx, event("06", eventlog.KindObservation, "", ptr("abc123"), false)))
			require.NoError(t, s.Append(ctx, event("07", eventlog.KindCommand, "", ptr("abc123"), false)))
			imapOnly = eventlog.Collect(s.Query(ctx, "abc123", "imap"))
			require.Len(t, imapOnly, 3)
			assert.Equal(t, "06", imapOnly[2].ID)
			smtpOnly := eventlog.Collect(s.Query(ctx, "abc123", "smtp"))
			require.Len(t, smtpOnly, 2)
			assert.Equal(t, "06", smtpOnly[1].ID)
		})
	}
}

func TestStore_DuplicateIDRejected(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Append(ctx, event("dup", eventlog.KindConnect, "smtp", nil, false)))
			assert.Error(t, s.Append(ctx, event("dup", eventlog.KindConnect, "smtp", nil, false)))
		})
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s, err := Open(context.Background(), SQLite, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := fmt.Sprintf("w%d-%02d", w, i)
				assert.NoError(t, s.Append(ctx, event(id, eventlog.KindCommand, "imap", ptr("abc123"), true)))
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, eventlog.Collect(s.Query(ctx, "abc123", "imap")), 200)
}

func TestStore_ReopenKeepsEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	s, err := Open(ctx, SQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, event("a", eventlog.KindConnect, "smtp", ptr("abc123"), false)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Append(ctx, event("b", eventlog.KindConnect, "smtp", nil, false)), eventlog.ErrClosed)

	// Migrations are already applied on the second open.
	s, err = Open(ctx, SQLite, path)
	require.NoError(t, err)
	defer s.Close()
	assert.Len(t, eventlog.Collect(s.Query(ctx, "abc123", "")), 1)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Driver("mysql"), "x")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: Postgres}
	lite := &Store{driver: SQLite}
	q := `SELECT a FROM t WHERE b = ? AND c = ?`
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c = $2`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}
