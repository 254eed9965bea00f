// Package natsmirror republishes stored events on a NATS subject so other
// systems can follow test sessions live.
package natsmirror

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/logger"
	"github.com/migadu/selftest/pkg/metrics"
)

const (
	DefaultSubject  = "selftest.events"
	DefaultQueueLen = 1024
	ConnectTimeout  = 10 * time.Second
	drainTimeout    = 5 * time.Second
)

// msgPublisher is the part of *nats.Conn the mirror needs.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
}

// Mirror queues events and publishes them from a single goroutine, so
// protocol handlers never wait on the bus.
type Mirror struct {
	conn    msgPublisher
	closer  func()
	subject string
	queue   chan eventlog.Event
	done    chan struct{}
	once    sync.Once
}

var _ eventlog.Mirror = (*Mirror)(nil)

// Connect dials url and starts the send loop. Events go to
// subject.<protocol>.
func Connect(url, subject string, queueLen int) (*Mirror, error) {
	conn, err := nats.Connect(url,
		nats.Name("selftest"),
		nats.Timeout(ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS mirror: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS mirror: reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	m := newMirror(conn, conn.Close, subject, queueLen)
	logger.Info("NATS mirror: publishing events", "url", url, "subject", m.subject)
	return m, nil
}

func newMirror(conn msgPublisher, closer func(), subject string, queueLen int) *Mirror {
	if subject == "" {
		subject = DefaultSubject
	}
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	m := &Mirror{
		conn:    conn,
		closer:  closer,
		subject: subject,
		queue:   make(chan eventlog.Event, queueLen),
		done:    make(chan struct{}),
	}
	go m.sendLoop()
	return m
}

// Publish enqueues ev. A full queue drops the event and returns an error.
func (m *Mirror) Publish(ev eventlog.Event) (err error) {
	defer func() {
		// Publishing after Close hits the closed channel.
		if recover() != nil {
			err = fmt.Errorf("nats mirror closed")
		}
	}()
	select {
	case m.queue <- ev:
		return nil
	default:
		metrics.MirrorDropped.Inc()
		return fmt.Errorf("nats mirror queue full, dropped event %s", ev.ID)
	}
}

func (m *Mirror) sendLoop() {
	defer close(m.done)
	for ev := range m.queue {
		if err := m.send(ev); err != nil {
			logger.Debug("NATS mirror: publish failed", "event", ev.ID, "error", err)
		}
	}
}

func (m *Mirror) send(ev eventlog.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(m.subject + "." + ev.Protocol)
	msg.Data = data
	msg.Header.Set("x-event-id", ev.ID)
	msg.Header.Set("x-event-kind", string(ev.Kind))
	if s := ev.SessionValue(); s != "" {
		msg.Header.Set("x-session", s)
	}
	return m.conn.PublishMsg(msg)
}

// Close stops accepting events, drains the queue and closes the connection.
func (m *Mirror) Close() error {
	var err error
	m.once.Do(func() {
		close(m.queue)
		select {
		case <-m.done:
		case <-time.After(drainTimeout):
			logger.Warn("NATS mirror: queue drain timed out")
		}
		err = m.conn.FlushTimeout(drainTimeout)
		if m.closer != nil {
			m.closer()
		}
	})
	return err
}
