package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/migadu/selftest/consts"
	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/logger"
	"github.com/migadu/selftest/pkg/metrics"
	"github.com/migadu/selftest/pkg/retry"
)

const (
	ArchiveContentType = "application/zstd"
	archiveSuffix      = ".jsonl.zst"
	maxArchiveLine     = 1 << 20
)

// ArchiveHeader is the first line of an archive.
type ArchiveHeader struct {
	Session    string          `json:"session"`
	ArchivedAt time.Time       `json:"archived_at"`
	Report     json.RawMessage `json:"report"`
}

// Archive is a decoded archive object.
type Archive struct {
	Header ArchiveHeader
	Events []eventlog.Event
}

// UploadBackoff bounds how long an archive request waits on a flaky bucket.
var UploadBackoff = retry.BackoffConfig{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2.0,
	Jitter:          true,
	MaxRetries:      2,
}

// Archiver uploads session archives under a key prefix.
type Archiver struct {
	store   ObjectStore
	prefix  string
	now     func() time.Time
	backoff retry.BackoffConfig
}

func NewArchiver(store ObjectStore, prefix string) *Archiver {
	return &Archiver{store: store, prefix: prefix, now: time.Now, backoff: UploadBackoff}
}

// Key is the object key of an archive of session taken at at. Keys of one
// session sort by time.
func (a *Archiver) Key(session string, at time.Time) string {
	return path.Join(a.prefix, session, at.UTC().Format("20060102T150405.000Z")+archiveSuffix)
}

// Archive compresses report and events and uploads them. It returns the
// object key.
func (a *Archiver) Archive(ctx context.Context, session string, report any, events iter.Seq[eventlog.Event]) (string, error) {
	at := a.now()
	key := a.Key(session, at)

	body, count, err := encodeArchive(session, at, report, events)
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("encode_error").Inc()
		return "", fmt.Errorf("%w: %v", consts.ErrSerializationFail, err)
	}

	err = retry.WithRetry(ctx, func() error {
		err := a.store.Put(ctx, key, bytes.NewReader(body), int64(len(body)))
		if err != nil && permanentS3Error(err) {
			return retry.Stop(err)
		}
		return err
	}, a.backoff)
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		logger.Warn("Storage: Archive upload failed", "session", session, "key", key, "error", err)
		return "", fmt.Errorf("%w: %v", consts.ErrArchiveFailed, err)
	}

	metrics.ArchiveUploads.WithLabelValues("success").Inc()
	logger.Info("Storage: Session archived", "session", session, "key", key, "events", count, "bytes", len(body))
	return key, nil
}

func encodeArchive(session string, at time.Time, report any, events iter.Seq[eventlog.Event]) ([]byte, int, error) {
	rawReport, err := json.Marshal(report)
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	header := ArchiveHeader{Session: session, ArchivedAt: at.UTC(), Report: rawReport}
	if err := enc.Encode(header); err != nil {
		zw.Close()
		return nil, 0, err
	}
	count := 0
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			zw.Close()
			return nil, 0, err
		}
		count++
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), count, nil
}

// Fetch downloads and decodes the archive stored at key.
func (a *Archiver) Fetch(ctx context.Context, key string) (Archive, error) {
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		return Archive{}, err
	}
	defer rc.Close()
	return ReadArchive(rc)
}

// ReadArchive decodes an archive object.
func ReadArchive(r io.Reader) (Archive, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Archive{}, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 64*1024), maxArchiveLine)

	var out Archive
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return Archive{}, err
		}
		return Archive{}, errors.New("archive is empty")
	}
	if err := json.Unmarshal(sc.Bytes(), &out.Header); err != nil {
		return Archive{}, fmt.Errorf("archive header: %w", err)
	}
	for sc.Scan() {
		var ev eventlog.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return Archive{}, fmt.Errorf("archive event %d: %w", len(out.Events)+1, err)
		}
		out.Events = append(out.Events, ev)
	}
	return out, sc.Err()
}
