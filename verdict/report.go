package verdict

import (
	"context"
	"slices"
	"time"

	"github.com/migadu/selftest/eventlog"
)

// Protocols covered by a report.
var Protocols = []string{"smtp", "imap"}

// retryThreshold is the number of connects without any credentials after
// which a session looks like a client stuck retrying.
const retryThreshold = 6

// STARTTLS results that mean the upgrade never completed.
var refusedResults = []string{"refused", "disrupted_handshake", "handshake_failed"}

// Summary counts what one protocol did during a session.
type Summary struct {
	Ports           []int          `json:"ports"`
	Connects        int            `json:"connects"`
	Disconnects     int            `json:"disconnects"`
	AuthPlain       int            `json:"auth_plain"`
	AuthTLS         int            `json:"auth_tls"`
	StartTLS        int            `json:"starttls"`
	StartTLSResults map[string]int `json:"starttls_results"`
	Disruptions     int            `json:"disruptions"`
	LastEvent       *time.Time     `json:"last_event,omitempty"`
}

type ProtocolReport struct {
	Result  Result  `json:"result"`
	Summary Summary `json:"summary"`
}

// Report is the operator-facing account of a session.
type Report struct {
	Session             string                    `json:"session"`
	Result              Result                    `json:"result"`
	Protocols           map[string]ProtocolReport `json:"protocols"`
	SawPlain            bool                      `json:"saw_plain"`
	SawTLSAuth          bool                      `json:"saw_tls_auth"`
	RetryLike           bool                      `json:"retry_like"`
	StartTLSRefusedLike int                       `json:"starttls_refused_like"`
	Events              int                       `json:"events"`
	FirstEvent          *time.Time                `json:"first_event,omitempty"`
	LastEvent           *time.Time                `json:"last_event,omitempty"`
}

// Summarize counts the events of one protocol.
func Summarize(events []eventlog.Event) Summary {
	s := Summary{Ports: []int{}, StartTLSResults: map[string]int{}}
	for i := range events {
		ev := &events[i]
		if ev.ServerPort > 0 && !slices.Contains(s.Ports, ev.ServerPort) {
			s.Ports = append(s.Ports, ev.ServerPort)
		}
		switch {
		case ev.Kind == eventlog.KindConnect:
			s.Connects++
		case ev.Kind == eventlog.KindDisconnect:
			s.Disconnects++
		case ev.Kind == eventlog.KindDisrupt:
			s.Disruptions++
		case ev.Kind == eventlog.KindStartTLS:
			s.StartTLS++
			result := ev.Attr("result")
			if result == "" {
				result = "unknown"
			}
			s.StartTLSResults[result]++
		case ev.Kind.IsAuth() && ev.TLS:
			s.AuthTLS++
		case ev.Kind.IsAuth():
			s.AuthPlain++
		}
		if ev.Kind != eventlog.KindObservation {
			ts := ev.Timestamp
			s.LastEvent = &ts
		}
	}
	slices.Sort(s.Ports)
	return s
}

// Report builds the per-protocol verdicts and summaries for session.
func (e *Engine) Report(ctx context.Context, session string) Report {
	all := eventlog.Collect(e.log.Query(ctx, session, ""))
	rep := Report{
		Session:   session,
		Result:    Merge(Evaluate(slices.Values(all)), Observations(slices.Values(all))),
		Protocols: make(map[string]ProtocolReport, len(Protocols)),
	}

	connects := 0
	for _, proto := range Protocols {
		var events []eventlog.Event
		for _, ev := range all {
			if ev.ForProtocol(proto) {
				events = append(events, ev)
			}
		}
		seq := slices.Values(events)
		summary := Summarize(events)
		rep.Protocols[proto] = ProtocolReport{
			Result:  Merge(Evaluate(seq), Observations(seq)),
			Summary: summary,
		}

		connects += summary.Connects
		rep.SawPlain = rep.SawPlain || summary.AuthPlain > 0
		rep.SawTLSAuth = rep.SawTLSAuth || summary.AuthTLS > 0
		for _, r := range refusedResults {
			rep.StartTLSRefusedLike += summary.StartTLSResults[r]
		}
	}
	rep.RetryLike = connects >= retryThreshold && !rep.SawPlain && !rep.SawTLSAuth

	for i := range all {
		if all[i].Kind == eventlog.KindObservation {
			continue
		}
		rep.Events++
		ts := all[i].Timestamp
		if rep.FirstEvent == nil {
			rep.FirstEvent = &ts
		}
		rep.LastEvent = &ts
	}
	return rep
}
