package verdict

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/modestore"
)

type builder struct {
	t   *testing.T
	log *eventlog.FileLog
	rec *eventlog.Recorder
}

func newBuilder(t *testing.T) *builder {
	t.Helper()
	l, err := eventlog.OpenFile(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	f, err := eventlog.NewFilter("test")
	require.NoError(t, err)
	return &builder{t: t, log: l, rec: eventlog.NewRecorder(l, f)}
}

func (b *builder) add(protocol string, port int, kind eventlog.Kind, tls bool, session string, attrs map[string]any) {
	meta := eventlog.Meta{Protocol: protocol, Scenario: modestore.T1, ServerPort: port, Client: "192.0.2.1"}
	b.rec.Record(context.Background(), meta, kind, tls, session, attrs)
}

func wire(events ...eventlog.Event) Result {
	return Evaluate(slices.Values(events))
}

func TestEvaluate_Rules(t *testing.T) {
	connect := eventlog.Event{ID: "c", Kind: eventlog.KindConnect}
	plainAuth := eventlog.Event{ID: "p", Kind: eventlog.KindAuthAttempt, TLS: false}
	plainLogin := eventlog.Event{ID: "l", Kind: eventlog.KindLoginCommand, TLS: false}
	tlsAuth := eventlog.Event{ID: "s", Kind: eventlog.KindAuthAttempt, TLS: true}
	plainCommand := eventlog.Event{ID: "x", Kind: eventlog.KindCommand, TLS: false}

	tests := []struct {
		name     string
		events   []eventlog.Event
		verdict  Verdict
		observed bool
		evidence []string
	}{
		{"empty", nil, Inconclusive, false, nil},
		{"connect only", []eventlog.Event{connect}, Inconclusive, true, nil},
		{"plaintext non-auth command", []eventlog.Event{connect, plainCommand}, Inconclusive, true, nil},
		{"tls auth", []eventlog.Event{connect, tlsAuth}, Pass, true, []string{"s"}},
		{"plain auth", []eventlog.Event{plainAuth}, Fail, true, []string{"p"}},
		{"plain login", []eventlog.Event{plainLogin}, Fail, true, []string{"l"}},
		{"fail dominates pass", []eventlog.Event{tlsAuth, plainAuth, tlsAuth}, Fail, true, []string{"p"}},
		{"fail dominates regardless of order", []eventlog.Event{plainLogin, tlsAuth}, Fail, true, []string{"l"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wire(tt.events...)
			assert.Equal(t, tt.verdict, got.Verdict)
			assert.Equal(t, tt.observed, got.Observed)
			assert.Equal(t, tt.evidence, got.Evidence)
		})
	}
}

func TestEvaluate_NeverProducesSoftVerdicts(t *testing.T) {
	kinds := []eventlog.Kind{
		eventlog.KindConnect, eventlog.KindDisconnect, eventlog.KindEHLO, eventlog.KindCapability,
		eventlog.KindStartTLS, eventlog.KindTLSHandshake, eventlog.KindAuthAttempt, eventlog.KindLoginCommand,
		eventlog.KindCommand, eventlog.KindDataEnd, eventlog.KindDisrupt, eventlog.KindSessionMismatch,
	}
	for _, k := range kinds {
		for _, tls := range []bool{false, true} {
			v := wire(eventlog.Event{Kind: k, TLS: tls}).Verdict
			assert.Contains(t, []Verdict{Fail, Pass, Inconclusive}, v)
		}
	}
}

func TestMerge(t *testing.T) {
	failResult := Result{Verdict: Fail, Rule: RulePlaintextAuth, Observed: true}
	passResult := Result{Verdict: Pass, Rule: RuleTLSAuth, Observed: true}
	none := Result{Verdict: Inconclusive, Rule: RuleNoEvents}

	warn := Observation{Protocol: "imap", Result: Warn, Note: "certificate prompt shown"}
	skip := Observation{Result: Skipped}

	assert.Equal(t, passResult, Merge(passResult, nil))
	assert.Equal(t, failResult, Merge(failResult, []Observation{skip}))

	got := Merge(passResult, []Observation{warn})
	assert.Equal(t, Warn, got.Verdict)
	assert.Equal(t, RuleObservation, got.Rule)
	require.NotNil(t, got.Observation)
	assert.Equal(t, "certificate prompt shown", got.Observation.Note)

	got = Merge(none, []Observation{warn, skip})
	assert.Equal(t, Skipped, got.Verdict)
	assert.False(t, got.Observed)

	// Only TLS credentials on the wire can produce PASS.
	assert.Equal(t, none, Merge(none, []Observation{{Result: Pass}}))
	got = Merge(none, []Observation{warn, {Result: Pass}})
	assert.Equal(t, Warn, got.Verdict)
}

func TestObservation_Validate(t *testing.T) {
	assert.NoError(t, Observation{Protocol: "smtp", Result: NotApplicable}.Validate())
	assert.NoError(t, Observation{Result: Skipped}.Validate())
	assert.Error(t, Observation{Result: Inconclusive}.Validate())
	assert.Error(t, Observation{Protocol: "smtp", Result: Pass}.Validate())
	assert.NoError(t, Observation{Protocol: "smtp", Result: Fail}.Validate())
	assert.Error(t, Observation{Result: "MAYBE"}.Validate())
	assert.Error(t, Observation{Protocol: "pop3", Result: Warn}.Validate())
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(" not_applicable ")
	require.NoError(t, err)
	assert.Equal(t, NotApplicable, v)
	_, err = ParseVerdict("nope")
	assert.Error(t, err)
}

// A client on the STARTTLS submission port under t1 that authenticates in
// the clear as test-abc123.
func TestEngine_SubmissionDowngradeExample(t *testing.T) {
	b := newBuilder(t)
	b.add("smtp", 587, eventlog.KindConnect, false, "", nil)
	b.add("smtp", 587, eventlog.KindEHLO, false, "", map[string]any{"starttls_advertised": false})
	b.add("smtp", 587, eventlog.KindAuthAttempt, false, "abc123", map[string]any{"mechanism": "PLAIN"})
	b.add("smtp", 587, eventlog.KindDisconnect, false, "abc123", nil)

	e := New(b.log)
	ctx := context.Background()
	assert.Equal(t, Fail, e.Verdict(ctx, "abc123", "smtp"))
	assert.Equal(t, Fail, e.Verdict(ctx, "abc123", ""))
	assert.Equal(t, Inconclusive, e.Verdict(ctx, "abc123", "imap"))
	assert.False(t, e.Evaluate(ctx, "abc123", "imap").Observed)

	// Evaluating twice gives the same answer.
	assert.Equal(t, e.Evaluate(ctx, "abc123", "smtp"), e.Evaluate(ctx, "abc123", "smtp"))
}

func TestEngine_ObservationsMergeButNeverOverrideFail(t *testing.T) {
	b := newBuilder(t)
	b.add("imap", 143, eventlog.KindLoginCommand, true, "tok111", nil)
	b.add("imap", 143, eventlog.KindObservation, false, "tok111", Observation{Result: Warn, Note: "ui warning"}.Attrs())
	b.add("smtp", 25, eventlog.KindAuthAttempt, false, "tok222", nil)
	b.add("smtp", 25, eventlog.KindObservation, false, "tok222", Observation{Result: Pass}.Attrs())

	e := New(b.log)
	ctx := context.Background()
	assert.Equal(t, Warn, e.Verdict(ctx, "tok111", "imap"))
	assert.Equal(t, Fail, e.Verdict(ctx, "tok222", "smtp"))
}

func TestEngine_SessionWideSkipAppliesToEveryProtocol(t *testing.T) {
	b := newBuilder(t)
	b.add("smtp", 587, eventlog.KindConnect, false, "skip01", nil)
	b.add("", 0, eventlog.KindObservation, false, "skip01", Observation{Result: Skipped, Note: "no client"}.Attrs())

	e := New(b.log)
	ctx := context.Background()
	assert.Equal(t, Skipped, e.Verdict(ctx, "skip01", "smtp"))
	assert.Equal(t, Skipped, e.Verdict(ctx, "skip01", "imap"))

	rep := e.Report(ctx, "skip01")
	assert.Equal(t, Skipped, rep.Result.Verdict)
	assert.Equal(t, Skipped, rep.Protocols["smtp"].Result.Verdict)
	assert.Equal(t, Skipped, rep.Protocols["imap"].Result.Verdict)
	assert.Equal(t, 1, rep.Protocols["smtp"].Summary.Connects)
}

func TestEngine_Report(t *testing.T) {
	b := newBuilder(t)
	for i := 0; i < 4; i++ {
		b.add("imap", 143, eventlog.KindConnect, false, "", nil)
		b.add("imap", 143, eventlog.KindStartTLS, false, "", map[string]any{"result": "refused"})
	}
	// Unresolved events are only included through the armed session, so
	// resolve them explicitly here.
	b.add("imap", 143, eventlog.KindConnect, false, "rep001", nil)
	b.add("imap", 143, eventlog.KindStartTLS, false, "rep001", map[string]any{"result": "refused"})
	b.add("smtp", 25, eventlog.KindConnect, false, "rep001", nil)
	b.add("smtp", 587, eventlog.KindConnect, false, "rep001", nil)
	b.add("smtp", 587, eventlog.KindStartTLS, false, "rep001", map[string]any{"result": "disrupted_handshake"})
	b.add("smtp", 587, eventlog.KindStartTLS, false, "rep001", map[string]any{"result": "ok"})
	b.add("smtp", 587, eventlog.KindAuthAttempt, true, "rep001", nil)
	b.add("smtp", 587, eventlog.KindDisrupt, true, "rep001", nil)
	b.add("smtp", 587, eventlog.KindDisconnect, true, "rep001", nil)

	rep := New(b.log).Report(context.Background(), "rep001")

	assert.Equal(t, "rep001", rep.Session)
	assert.Equal(t, Pass, rep.Result.Verdict)
	assert.True(t, rep.SawTLSAuth)
	assert.False(t, rep.SawPlain)
	assert.False(t, rep.RetryLike)
	assert.Equal(t, 2, rep.StartTLSRefusedLike)
	assert.Equal(t, 9, rep.Events)
	require.NotNil(t, rep.FirstEvent)
	require.NotNil(t, rep.LastEvent)
	assert.False(t, rep.LastEvent.Before(*rep.FirstEvent))

	smtp := rep.Protocols["smtp"]
	assert.Equal(t, Pass, smtp.Result.Verdict)
	assert.Equal(t, []int{25, 587}, smtp.Summary.Ports)
	assert.Equal(t, 2, smtp.Summary.Connects)
	assert.Equal(t, 1, smtp.Summary.Disconnects)
	assert.Equal(t, 1, smtp.Summary.AuthTLS)
	assert.Equal(t, 1, smtp.Summary.Disruptions)
	assert.Equal(t, map[string]int{"disrupted_handshake": 1, "ok": 1}, smtp.Summary.StartTLSResults)

	imap := rep.Protocols["imap"]
	assert.Equal(t, Inconclusive, imap.Result.Verdict)
	assert.True(t, imap.Result.Observed)
	assert.Equal(t, 1, imap.Summary.Connects)
	assert.Equal(t, map[string]int{"refused": 1}, imap.Summary.StartTLSResults)
}

func TestEngine_ReportRetryLike(t *testing.T) {
	b := newBuilder(t)
	for i := 0; i < 6; i++ {
		b.add("imap", 993, eventlog.KindConnect, false, "loop01", nil)
		b.add("imap", 993, eventlog.KindDisconnect, false, "loop01", map[string]any{"reason": "implicit_tls_blocked"})
	}
	rep := New(b.log).Report(context.Background(), "loop01")
	assert.True(t, rep.RetryLike)
	assert.Equal(t, Inconclusive, rep.Result.Verdict)
	assert.Empty(t, rep.Protocols["smtp"].Summary.Ports)
	assert.Nil(t, rep.Protocols["smtp"].Summary.LastEvent)
}

func TestSummarize_LastEventSkipsObservations(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Summarize([]eventlog.Event{
		{Kind: eventlog.KindConnect, Timestamp: t0, ServerPort: 25},
		{Kind: eventlog.KindObservation, Timestamp: t0.Add(time.Hour)},
	})
	require.NotNil(t, s.LastEvent)
	assert.Equal(t, t0, *s.LastEvent)
	assert.Equal(t, map[string]int{}, s.StartTLSResults)
}
