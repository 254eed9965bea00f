package storage

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/selftest/consts"
	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/pkg/retry"
)

// flakyStore fails the first failures Puts with err.
type flakyStore struct {
	failures int
	err      error
	puts     int
	stored   []byte
}

func (f *flakyStore) Put(_ context.Context, _ string, body io.Reader, _ int64) error {
	f.puts++
	if f.puts <= f.failures {
		io.Copy(io.Discard, body)
		return f.err
	}
	b, err := io.ReadAll(body)
	f.stored = b
	return err
}

func (f *flakyStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *flakyStore) Exists(context.Context, string) (bool, error) {
	return f.stored != nil, nil
}

func fastArchiver(store ObjectStore) *Archiver {
	a := NewArchiver(store, "t")
	a.backoff = retry.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 2}
	return a
}

func TestArchiveRetriesTransientErrors(t *testing.T) {
	store := &flakyStore{failures: 2, err: errors.New("connection reset by peer")}
	a := fastArchiver(store)

	_, err := a.Archive(context.Background(), "abc123", map[string]string{}, slices.Values([]eventlog.Event(nil)))
	require.NoError(t, err)
	assert.Equal(t, 3, store.puts)
	assert.NotEmpty(t, store.stored, "the body is re-read on every attempt")
}

func TestArchiveDoesNotRetryPermanentErrors(t *testing.T) {
	store := &flakyStore{failures: 10, err: errors.New("AccessDenied: bad credentials")}
	a := fastArchiver(store)

	_, err := a.Archive(context.Background(), "abc123", nil, slices.Values([]eventlog.Event(nil)))
	assert.ErrorIs(t, err, consts.ErrArchiveFailed)
	assert.Equal(t, 1, store.puts)
}

func TestPermanentS3Error(t *testing.T) {
	assert.True(t, permanentS3Error(errors.New("NoSuchBucket: selftest")))
	assert.True(t, permanentS3Error(context.Canceled))
	assert.False(t, permanentS3Error(errors.New("SlowDown")))
	assert.False(t, permanentS3Error(errors.New("dial tcp: connection refused")))
}
