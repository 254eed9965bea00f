package helpers

import "strings"

// MaskSensitive redacts credentials from a client command line before it is
// logged. command is the verb found in line; only verbs listed in
// sensitiveCommands are touched.
//
//	A1 LOGIN test-abc123 secret    -> A1 LOGIN test-abc123 [REDACTED]
//	AUTH PLAIN AHRlc3QtYWJj...     -> AUTH PLAIN [REDACTED]
//	A2 AUTHENTICATE PLAIN dGVz...  -> A2 AUTHENTICATE PLAIN [REDACTED]
//
// SASL continuation lines carry no verb; use MaskAll for those.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	sensitive := false
	for _, c := range sensitiveCommands {
		if strings.EqualFold(command, c) {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return line
	}

	parts := strings.Fields(line)
	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return MaskAll(line)
	}

	// Keep the verb and its first argument (user name or mechanism).
	keep := cmdIndex + 2
	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	return line
}

// MaskAll hides a whole line, keeping only whether it was empty.
func MaskAll(line string) string {
	if strings.TrimSpace(line) == "" {
		return line
	}
	return "[REDACTED]"
}
