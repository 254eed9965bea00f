// Package verdict turns the events of a test session into an auditable
// outcome.
//
// The wire rules only look at credential events: any credentials sent
// without TLS is a FAIL, otherwise credentials sent under TLS is a PASS,
// otherwise nothing conclusive happened. The softer outcomes (WARN,
// NOT_APPLICABLE, SKIPPED) can only enter through an Observation recorded
// by the operator, and never override a wire FAIL.
package verdict

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/migadu/selftest/eventlog"
)

type Verdict string

const (
	Fail          Verdict = "FAIL"
	Pass          Verdict = "PASS"
	Inconclusive  Verdict = "INCONCLUSIVE"
	Warn          Verdict = "WARN"
	NotApplicable Verdict = "NOT_APPLICABLE"
	Skipped       Verdict = "SKIPPED"
)

// Rule names reported with each result.
const (
	RulePlaintextAuth = "credentials_without_tls"
	RuleTLSAuth       = "credentials_with_tls"
	RuleNoAuth        = "no_credentials_observed"
	RuleNoEvents      = "no_events"
	RuleObservation   = "operator_observation"
)

// ParseVerdict accepts any verdict name, case-insensitively.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case Fail, Pass, Inconclusive, Warn, NotApplicable, Skipped:
		return v, nil
	}
	return "", fmt.Errorf("unknown verdict %q", s)
}

// Result is a verdict together with the evidence it was derived from.
type Result struct {
	Verdict Verdict `json:"verdict"`
	Rule    string  `json:"rule"`
	// Observed is false when no event at all matched the session.
	Observed bool `json:"observed"`
	// Evidence lists the IDs of the events that decided the verdict.
	Evidence    []string     `json:"evidence,omitempty"`
	Observation *Observation `json:"observation,omitempty"`
}

// Evaluate applies the wire rules to seq. Observation events are ignored.
func Evaluate(seq iter.Seq[eventlog.Event]) Result {
	var (
		observed       bool
		plain, secured []string
	)
	for ev := range seq {
		if ev.Kind == eventlog.KindObservation {
			continue
		}
		observed = true
		if !ev.Kind.IsAuth() {
			continue
		}
		if ev.TLS {
			secured = append(secured, ev.ID)
		} else {
			plain = append(plain, ev.ID)
		}
	}

	switch {
	case len(plain) > 0:
		return Result{Verdict: Fail, Rule: RulePlaintextAuth, Observed: true, Evidence: plain}
	case len(secured) > 0:
		return Result{Verdict: Pass, Rule: RuleTLSAuth, Observed: true, Evidence: secured}
	case observed:
		return Result{Verdict: Inconclusive, Rule: RuleNoAuth, Observed: true}
	default:
		return Result{Verdict: Inconclusive, Rule: RuleNoEvents}
	}
}

// Engine answers verdict queries over an event log.
type Engine struct {
	log eventlog.Log
}

func New(log eventlog.Log) *Engine {
	return &Engine{log: log}
}

// Verdict returns the merged verdict for session, restricted to protocol
// unless it is empty.
func (e *Engine) Verdict(ctx context.Context, session, protocol string) Verdict {
	return e.Evaluate(ctx, session, protocol).Verdict
}

// Evaluate returns the merged result for session and protocol.
func (e *Engine) Evaluate(ctx context.Context, session, protocol string) Result {
	seq := e.log.Query(ctx, session, protocol)
	return Merge(Evaluate(seq), Observations(seq))
}
