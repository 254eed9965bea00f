package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsConnectionError reports whether err is an ordinary transport failure:
// the client went away, timed out or spoke garbage where TLS was expected.
// Such errors end the connection but are logged at debug only.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil &&
		strings.Contains(opErr.Err.Error(), "use of closed network connection") {
		return true
	}
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) &&
		(errors.Is(syscallErr.Err, syscall.ECONNRESET) || errors.Is(syscallErr.Err, syscall.EPIPE)) {
		return true
	}

	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}
