package eventlog

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/migadu/selftest/logger"
	"github.com/migadu/selftest/modestore"
	"github.com/migadu/selftest/pkg/metrics"
)

// Mirror receives a copy of every stored event, e.g. to publish it on a
// message bus. Publish must not block.
type Mirror interface {
	Publish(ev Event) error
}

// Meta is the per-connection context stamped onto each recorded event.
type Meta struct {
	Protocol     string
	Scenario     modestore.Scenario
	ModeSource   modestore.Source
	ArmedSession string
	ServerPort   int
	Client       string // raw client identifier; pseudonymized before storage
	ConnID       string
}

// Recorder is the write path engines use: it stamps, filters, stores and
// mirrors events.
type Recorder struct {
	log     Log
	filter  *Filter
	mirrors []Mirror
	now     func() time.Time
}

func NewRecorder(log Log, filter *Filter, mirrors ...Mirror) *Recorder {
	return &Recorder{
		log:     log,
		filter:  filter,
		mirrors: mirrors,
		now:     time.Now,
	}
}

// Log returns the store the recorder appends to.
func (r *Recorder) Log() Log {
	return r.log
}

// Record builds and appends an event. session may be empty for
// pre-authentication events. Storage errors are logged and counted but not
// returned: a failing log must not change protocol behaviour.
func (r *Recorder) Record(ctx context.Context, meta Meta, kind Kind, tls bool, session string, attrs map[string]any) Event {
	ev := Event{
		ID:           ulid.Make().String(),
		Timestamp:    r.now().UTC(),
		Session:      stringPtr(session),
		ArmedSession: stringPtr(meta.ArmedSession),
		Protocol:     meta.Protocol,
		Scenario:     meta.Scenario,
		ModeSource:   meta.ModeSource,
		ServerPort:   meta.ServerPort,
		TLS:          tls,
		Kind:         kind,
		ConnID:       meta.ConnID,
		Attrs:        attrs,
	}
	ev = r.filter.Apply(ev, meta.Client)

	if err := r.log.Append(ctx, ev); err != nil {
		metrics.EventAppendErrors.Inc()
		logger.Error("Event log: append failed", "event", kind, "conn", meta.ConnID, "error", err)
		return ev
	}
	metrics.EventsTotal.WithLabelValues(string(kind)).Inc()

	for _, m := range r.mirrors {
		if err := m.Publish(ev); err != nil {
			logger.Debug("Event log: mirror publish failed", "event", kind, "error", err)
		}
	}
	return ev
}
