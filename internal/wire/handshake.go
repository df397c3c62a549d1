package wire

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// WebSocketGUID is appended to the client key before hashing (RFC 6455 §1.3).
const WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxHandshakeLines bounds the number of header lines accepted from a client.
const MaxHandshakeLines = 100

const (
	getPrefix     = "GET "
	upgradePrefix = "Upgrade: websocket"
	keyPrefix     = "Sec-WebSocket-Key: "
	hostPrefix    = "Host: "
	originPrefix  = "Origin: "
)

// NotImplementedResponse is sent to clients whose first line is not a GET.
const NotImplementedResponse = "HTTP/1.1 501 Not Implemented\r\n" +
	"Server: CogServer\r\n" +
	"\r\n"

// HandshakeState is the position of a Handshake in the upgrade exchange.
type HandshakeState int

const (
	AwaitRequestLine HandshakeState = iota
	AwaitHeaders
	HeaderComplete
	Accepted
	Rejected
)

func (s HandshakeState) String() string {
	switch s {
	case AwaitRequestLine:
		return "await-request-line"
	case AwaitHeaders:
		return "await-headers"
	case HeaderComplete:
		return "header-complete"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Handshake accumulates the HTTP upgrade request one line at a time. Lines
// are the units produced by Scanner, already stripped of CRLF.
type Handshake struct {
	state   HandshakeState
	url     string
	key     string
	host    string
	origin  string
	upgrade bool
	lines   int
}

// Feed consumes one request line. done becomes true when the blank line that
// ends the header has been seen. A request that is not a GET yields
// ErrNotImplemented; the caller should answer NotImplementedResponse and
// drop the connection.
func (h *Handshake) Feed(line string) (done bool, err error) {
	switch h.state {
	case AwaitRequestLine:
		if !strings.HasPrefix(line, getPrefix) {
			h.state = Rejected
			return false, ErrNotImplemented
		}
		target := line[len(getPrefix):]
		if i := strings.IndexByte(target, ' '); i >= 0 {
			target = target[:i]
		}
		h.url = target
		h.state = AwaitHeaders
		return false, nil

	case AwaitHeaders:
		if line == "" {
			h.state = HeaderComplete
			return true, nil
		}
		h.lines++
		if h.lines > MaxHandshakeLines {
			h.state = Rejected
			return false, ErrHandshakeTooLong
		}
		switch {
		case strings.HasPrefix(line, upgradePrefix):
			h.upgrade = true
		case strings.HasPrefix(line, keyPrefix):
			h.key = line[len(keyPrefix):]
		case strings.HasPrefix(line, hostPrefix):
			h.host = line[len(hostPrefix):]
		case strings.HasPrefix(line, originPrefix):
			h.origin = line[len(originPrefix):]
		}
		return false, nil

	default:
		// Header already complete; nothing more is read as HTTP.
		return h.state == HeaderComplete, nil
	}
}

// Accept marks the upgrade as granted and returns the 101 response to send.
func (h *Handshake) Accept() string {
	h.state = Accepted
	return SwitchingProtocolsResponse(h.key)
}

// Reject marks the handshake as refused.
func (h *Handshake) Reject() {
	h.state = Rejected
}

func (h *Handshake) State() HandshakeState { return h.state }

// URL returns the request target from the first line.
func (h *Handshake) URL() string { return h.url }

// Key returns the Sec-WebSocket-Key sent by the client.
func (h *Handshake) Key() string { return h.key }

// Host and Origin return the headers of the same name, empty if absent.
func (h *Handshake) Host() string   { return h.host }
func (h *Handshake) Origin() string { return h.origin }

// Upgrade reports whether the client asked for a websocket.
func (h *Handshake) Upgrade() bool { return h.upgrade }

func (h *Handshake) GotFirstLine() bool { return h.state != AwaitRequestLine }

func (h *Handshake) GotHeader() bool {
	return h.state == HeaderComplete || h.state == Accepted
}

func (h *Handshake) GotWebSocketHeader() bool { return h.upgrade }

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SwitchingProtocolsResponse builds the 101 response for a client key.
func SwitchingProtocolsResponse(key string) string {
	return "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n" +
		"\r\n"
}
