package server

import (
	"fmt"

	"github.com/migadu/selftest/logger"
)

// Session carries the fields every operational log line of a connection
// shares.
type Session struct {
	ID         string
	RemoteIP   string
	Protocol   string
	ServerName string
	// TestSession is the resolved test session token, once known.
	TestSession string
}

func (s *Session) attrs(format string, args []any) []any {
	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = s.Protocol + "-" + s.ServerName
	}
	session := s.TestSession
	if session == "" {
		session = "none"
	}
	return []any{
		"protocol", protocol,
		"remote", s.RemoteIP,
		"conn", s.ID,
		"session", session,
		"msg", fmt.Sprintf(format, args...),
	}
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.attrs(format, args)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.attrs(format, args)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.attrs(format, args)...)
}
