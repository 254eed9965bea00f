package consts

import "errors"

var (
	ErrArchiveDisabled   = errors.New("session archive not configured")
	ErrArchiveFailed     = errors.New("session archive upload failed")
	ErrListenerBind      = errors.New("listener bind failed")
	ErrNoEngine          = errors.New("no engine registered for protocol")
	ErrTLSUnavailable    = errors.New("tls configuration unavailable")
	ErrSerializationFail = errors.New("serialization failed")
)
