package wire

// Telnet (RFC 854) bytes the scanner and its consumers care about.
const (
	IAC  = 0xFF // Interpret As Command
	DONT = 0xFE
	DO   = 0xFD
	WONT = 0xFC
	WILL = 0xFB
	EL   = 0xF8 // Erase Line
	AO   = 0xF5 // Abort Output
	IP   = 0xF4 // Interrupt Process

	EOT = 0x04 // ASCII End of Transmission (ctrl-D)
	LF  = '\n'
	CR  = '\r'
)

// iacThreshold is the largest byte that ends a unit once an IAC has been seen.
const iacThreshold = 0xF0

// Scanner finds unit boundaries in an append-only byte buffer. A unit ends
// at a line feed, at an EOT byte, or at the first byte <= 0xF0 that follows
// an IAC byte. That last rule is a heuristic, not option negotiation: it only
// makes sure telnet control sequences (ctrl-C arrives as IAC IP) are passed
// on without waiting for a newline.
//
// The scanner remembers how far it has looked and whether it is inside a
// telnet command, so each call only examines bytes appended since the last
// call, and an IAC split across two reads is still recognized.
type Scanner struct {
	cursor   int
	afterIAC bool
}

// Scan examines buf from the last position reached and returns the index
// just past the terminating byte together with that byte. ok is false when
// more input is needed. The caller must pass the same buffer (possibly
// extended) until a unit is found, and must drop buf[:end] afterwards.
func (s *Scanner) Scan(buf []byte) (end int, term byte, ok bool) {
	if s.cursor > len(buf) {
		s.cursor = 0
	}
	for i := s.cursor; i < len(buf); i++ {
		c := buf[i]
		if c == IAC {
			s.afterIAC = true
		}
		if c == LF || c == EOT || (s.afterIAC && c <= iacThreshold) {
			s.Reset()
			return i + 1, c, true
		}
	}
	s.cursor = len(buf)
	return 0, 0, false
}

// Reset forgets any partial scan state.
func (s *Scanner) Reset() {
	s.cursor = 0
	s.afterIAC = false
}

// InCommand reports whether the last byte examined was part of a telnet
// command that has not been terminated yet.
func (s *Scanner) InCommand() bool {
	return s.afterIAC
}

// TrimUnit converts a scanned unit into the text delivered to consumers.
// Line-feed units lose the LF and one trailing CR. EOT and telnet units are
// delivered as-is so the consumer can see the control bytes.
func TrimUnit(unit []byte, term byte) string {
	if term != LF {
		return string(unit)
	}
	return TrimCR(unit[:len(unit)-1])
}

// TrimCR drops a single trailing carriage return.
func TrimCR(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == CR {
		b = b[:n-1]
	}
	return string(b)
}
