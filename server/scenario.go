package server

import "github.com/migadu/selftest/modestore"

// STARTTLSAction is what an engine does with a STARTTLS command received in
// plaintext.
type STARTTLSAction int

const (
	// STARTTLSUpgrade accepts the command and completes the handshake.
	STARTTLSUpgrade STARTTLSAction = iota
	// STARTTLSRefuse rejects the command; the session stays in plaintext.
	STARTTLSRefuse
	// STARTTLSInterrupt accepts the command and then answers the
	// ClientHello with a cleartext line.
	STARTTLSInterrupt
)

// STARTTLS result attribute values.
const (
	ResultOK                 = "ok"
	ResultRefused            = "refused"
	ResultAlreadyTLS         = "already_tls"
	ResultDisruptedHandshake = "disrupted_handshake"
	ResultHandshakeFailed    = "handshake_failed"
)

// InjectedSMTPLine and InjectedIMAPLine replace the reply to the first
// command after a TLS authentication under t4.
const (
	InjectedSMTPLine = "NOOP"
	InjectedIMAPLine = "* NOOP"
)

// AdvertiseSTARTTLS reports whether STARTTLS is offered in EHLO or
// CAPABILITY before TLS is active.
func AdvertiseSTARTTLS(sc modestore.Scenario) bool {
	switch sc {
	case modestore.T1:
		return false
	case modestore.Baseline, modestore.T2, modestore.T3, modestore.T4:
		return true
	}
	return true
}

// STARTTLSActionFor maps a scenario to the handling of a plaintext
// STARTTLS. t1 only hides the capability; a client that sends the command
// anyway gets a normal upgrade.
func STARTTLSActionFor(sc modestore.Scenario) STARTTLSAction {
	switch sc {
	case modestore.T2:
		return STARTTLSInterrupt
	case modestore.T3:
		return STARTTLSRefuse
	case modestore.Baseline, modestore.T1, modestore.T4:
		return STARTTLSUpgrade
	}
	return STARTTLSUpgrade
}

// DisruptsAfterAuth reports whether credentials sent over TLS arm a
// disruption of the next command.
func DisruptsAfterAuth(sc modestore.Scenario) bool {
	switch sc {
	case modestore.T4:
		return true
	case modestore.Baseline, modestore.T1, modestore.T2, modestore.T3:
		return false
	}
	return false
}
