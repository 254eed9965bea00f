package verdict

import (
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/migadu/selftest/eventlog"
)

// Observation is an outcome reported from outside the wire, such as what
// the client showed its user, or a marker that a step was skipped.
type Observation struct {
	Protocol string    `json:"protocol"`
	Result   Verdict   `json:"result"`
	Note     string    `json:"note,omitempty"`
	At       time.Time `json:"at,omitempty"`
	EventID  string    `json:"event_id,omitempty"`
}

// Validate checks the observation can be recorded. INCONCLUSIVE is the
// absence of evidence and cannot be observed. PASS needs credentials seen
// under TLS on the wire, so an operator cannot assert it either.
func (o Observation) Validate() error {
	switch o.Result {
	case Fail, Warn, NotApplicable, Skipped:
	default:
		return fmt.Errorf("observation result %q not allowed", o.Result)
	}
	switch o.Protocol {
	case "", "smtp", "imap":
	default:
		return fmt.Errorf("unknown protocol %q", o.Protocol)
	}
	return nil
}

// Attrs is the attribute map an observation event is recorded with.
func (o Observation) Attrs() map[string]any {
	attrs := map[string]any{"result": string(o.Result)}
	if o.Note != "" {
		attrs["note"] = o.Note
	}
	return attrs
}

// Observations extracts observation events from seq in log order.
func Observations(seq iter.Seq[eventlog.Event]) []Observation {
	var out []Observation
	for ev := range seq {
		if ev.Kind != eventlog.KindObservation {
			continue
		}
		v, err := ParseVerdict(ev.Attr("result"))
		if err != nil {
			continue
		}
		out = append(out, Observation{
			Protocol: ev.Protocol,
			Result:   v,
			Note:     ev.Attr("note"),
			At:       ev.Timestamp,
			EventID:  ev.ID,
		})
	}
	return out
}

// Merge folds observations into a wire result. A wire FAIL always stands;
// otherwise the most recent observation decides. PASS observations, which
// Validate no longer admits but older logs may hold, are ignored.
func Merge(wire Result, obs []Observation) Result {
	if wire.Verdict == Fail {
		return wire
	}
	obs = slices.DeleteFunc(slices.Clone(obs), func(o Observation) bool { return o.Result == Pass })
	if len(obs) == 0 {
		return wire
	}
	last := obs[len(obs)-1]
	return Result{
		Verdict:     last.Result,
		Rule:        RuleObservation,
		Observed:    wire.Observed,
		Evidence:    wire.Evidence,
		Observation: &last,
	}
}
