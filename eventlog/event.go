package eventlog

import (
	"time"

	"github.com/migadu/selftest/modestore"
)

// Kind names a protocol transition worth recording.
type Kind string

const (
	KindConnect         Kind = "connect"
	KindDisconnect      Kind = "disconnect"
	KindEHLO            Kind = "ehlo"
	KindCapability      Kind = "capability"
	KindStartTLS        Kind = "starttls"
	KindTLSHandshake    Kind = "tls_handshake"
	KindAuthAttempt     Kind = "auth_attempt"
	KindLoginCommand    Kind = "login_command"
	KindCommand         Kind = "command"
	KindDataEnd         Kind = "data_end"
	KindDisrupt         Kind = "disrupt"
	KindSessionMismatch Kind = "session_mismatch"
	KindObservation     Kind = "observation"
)

// IsAuth reports whether the kind marks credentials leaving the client.
func (k Kind) IsAuth() bool {
	return k == KindAuthAttempt || k == KindLoginCommand
}

// Event is one immutable record of the log. Session is nil until a
// connection has presented a resolvable username.
type Event struct {
	ID           string             `json:"id"`
	Timestamp    time.Time          `json:"ts"`
	Session      *string            `json:"session"`
	ArmedSession *string            `json:"armed_session,omitempty"`
	Protocol     string             `json:"proto"`
	Scenario     modestore.Scenario `json:"mode"`
	ModeSource   modestore.Source   `json:"mode_source,omitempty"`
	ServerPort   int                `json:"server_port"`
	TLS          bool               `json:"tls"`
	Kind         Kind               `json:"event"`
	Client       string             `json:"client,omitempty"`
	ConnID       string             `json:"conn,omitempty"`
	Attrs        map[string]any     `json:"attrs,omitempty"`
}

// SessionValue returns the resolved session or "".
func (e *Event) SessionValue() string {
	if e.Session == nil {
		return ""
	}
	return *e.Session
}

// Matches reports whether e belongs to session and, if protocol is not
// empty, to protocol. Events without a resolved session count for the
// session their override was armed for.
func (e *Event) Matches(session, protocol string) bool {
	if protocol != "" && !e.ForProtocol(protocol) {
		return false
	}
	if e.Session != nil {
		return *e.Session == session
	}
	return e.ArmedSession != nil && *e.ArmedSession == session
}

// ForProtocol reports whether e counts toward protocol. Observations
// recorded without a protocol apply to the whole session.
func (e *Event) ForProtocol(protocol string) bool {
	return e.Protocol == protocol || (e.Protocol == "" && e.Kind == KindObservation)
}

// Attr returns the string form of an attribute, or "".
func (e *Event) Attr(key string) string {
	v, ok := e.Attrs[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
