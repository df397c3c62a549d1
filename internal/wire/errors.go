// Package wire implements the two wire protocols spoken by the server: the
// telnet-aware line protocol and RFC 6455 WebSocket framing. It contains no
// socket handling; callers feed it bytes and lines.
package wire

import (
	"errors"
	"fmt"
)

// ErrSilent is the root of every protocol violation. A connection that sees
// an error wrapping ErrSilent is torn down without sending anything back.
var ErrSilent = errors.New("silent termination")

var (
	// ErrNotImplemented is returned for an HTTP request that is not a GET.
	ErrNotImplemented = fmt.Errorf("%w: request method not implemented", ErrSilent)

	// ErrHandshakeTooLong is returned when a client keeps sending header lines.
	ErrHandshakeTooLong = fmt.Errorf("%w: handshake header too long", ErrSilent)

	// ErrPeerClosed is returned when the peer sends a close frame.
	ErrPeerClosed = fmt.Errorf("%w: websocket close received", ErrSilent)

	// ErrUnsupportedOpcode is returned for binary, continuation and reserved frames.
	ErrUnsupportedOpcode = fmt.Errorf("%w: unsupported websocket opcode", ErrSilent)

	// ErrUnmasked is returned when a client frame arrives without a mask.
	ErrUnmasked = fmt.Errorf("%w: unmasked client frame", ErrSilent)

	// ErrInsaneLength is returned when a 64-bit length exceeds SanityCeiling.
	ErrInsaneLength = fmt.Errorf("%w: insane websocket payload length", ErrSilent)

	// ErrFrameTooLarge is returned when a payload exceeds the configured limit.
	ErrFrameTooLarge = fmt.Errorf("%w: websocket payload exceeds limit", ErrSilent)
)

// IsSilent reports whether err should end a connection without a response.
func IsSilent(err error) bool {
	return errors.Is(err, ErrSilent)
}
