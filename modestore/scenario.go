package modestore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidScenario is returned for scenario names or values outside the
// fixed set.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario selects the downgrade behaviour a connection is served with.
type Scenario uint8

const (
	// Baseline behaves like a correctly configured server.
	Baseline Scenario = iota
	// T1 strips STARTTLS from the capability list.
	T1
	// T2 accepts STARTTLS and then breaks the handshake with cleartext.
	T2
	// T3 rejects STARTTLS with a temporary error.
	T3
	// T4 completes TLS and disrupts the connection after authentication.
	T4
)

var scenarioNames = [...]string{
	Baseline: "baseline",
	T1:       "t1",
	T2:       "t2",
	T3:       "t3",
	T4:       "t4",
}

// Scenarios returns every known scenario in declaration order.
func Scenarios() []Scenario {
	return []Scenario{Baseline, T1, T2, T3, T4}
}

// ParseScenario parses a scenario name, case-insensitively.
func ParseScenario(name string) (Scenario, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range scenarioNames {
		if s == n {
			return Scenario(i), nil
		}
	}
	return Baseline, fmt.Errorf("%w: %q", ErrInvalidScenario, name)
}

// Valid reports whether s is one of the defined scenarios.
func (s Scenario) Valid() bool {
	return int(s) < len(scenarioNames)
}

func (s Scenario) String() string {
	if !s.Valid() {
		return fmt.Sprintf("scenario(%d)", uint8(s))
	}
	return scenarioNames[s]
}

// Downgrading reports whether s is one of the attack scenarios t1..t4.
func (s Scenario) Downgrading() bool {
	switch s {
	case Baseline:
		return false
	case T1, T2, T3, T4:
		return true
	default:
		return false
	}
}

func (s Scenario) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidScenario, uint8(s))
	}
	return []byte(scenarioNames[s]), nil
}

func (s *Scenario) UnmarshalText(text []byte) error {
	parsed, err := ParseScenario(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
