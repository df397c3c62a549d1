package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/opencog/cogserver-net/internal/wire"
)

var (
	// ErrNoUpgrade ends a WebSocket-listener connection whose request did
	// not ask for an upgrade.
	ErrNoUpgrade = fmt.Errorf("%w: no websocket upgrade requested", wire.ErrSilent)

	// ErrShutdownTimeout is returned when connections do not drain in time.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// IsBenign reports whether a read error just means the peer went away.
func IsBenign(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOTCONN)
}

// IsDisconnect reports whether a write error was caused by a departed peer
// or an already closed socket. Such failures are not worth logging.
func IsDisconnect(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EBADF) ||
		errors.Is(err, syscall.ECONNRESET)
}

// isAlreadyClosed matches the errors a second close or half-close produces.
func isAlreadyClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.EBADF)
}

// hookError marks an error returned by a Handler, so the read loop can tell
// a requested close from a transport failure.
type hookError struct {
	hook string
	err  error
}

func (e *hookError) Error() string { return e.hook + ": " + e.err.Error() }
func (e *hookError) Unwrap() error { return e.err }
