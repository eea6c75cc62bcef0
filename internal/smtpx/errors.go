package smtpx

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ConnError marks a connection-level transport failure: dialing, the server
// greeting, TLS negotiation or a dropped socket. Connection-level failures
// are the only ones eligible for the first-connect retry and the mid-session
// reconnect; authentication and protocol failures surface immediately.
type ConnError struct {
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("smtp connection: %v", e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// IsConnError reports whether err is (or wraps) a connection-level failure.
func IsConnError(err error) bool {
	var connErr *ConnError
	return errors.As(err, &connErr)
}

// isDisconnect reports whether err looks like the server dropped the
// connection mid-session, as opposed to rejecting a command.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
