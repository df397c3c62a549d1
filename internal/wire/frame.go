package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode is the 4-bit frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode-%#x", byte(o))
	}
}

// SanityCeiling is the largest payload length accepted from the wire. It is
// checked before any buffer is sized from a client supplied length.
const SanityCeiling = 1 << 40

const (
	finBit  = 0x80
	maskBit = 0x80

	len16 = 126
	len64 = 127
)

// Frame is one decoded frame header, plus its payload once read. The FIN bit
// is parsed but never used to join fragments.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Length  uint64
	Mask    [4]byte
	Payload []byte
}

// ReadHeader reads the opcode, length and mask of the next frame.
func ReadHeader(r io.Reader) (Frame, error) {
	f, err := readOpcode(r)
	if err != nil {
		return f, err
	}
	return f, f.readRest(r)
}

// readOpcode reads the first header byte only, so a caller can act on the
// opcode before waiting for the rest.
func readOpcode(r io.Reader) (Frame, error) {
	var f Frame
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return f, err
	}
	f.Fin = b[0]&finBit != 0
	f.Opcode = Opcode(b[0] & 0x0F)
	return f, nil
}

// readRest reads the length byte, any extended length and the mask.
func (f *Frame) readRest(r io.Reader) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:1]); err != nil {
		return err
	}
	f.Masked = b[0]&maskBit != 0
	f.Length = uint64(b[0] & 0x7F)

	switch f.Length {
	case len16:
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return err
		}
		f.Length = uint64(binary.BigEndian.Uint16(b[:2]))
	case len64:
		if _, err := io.ReadFull(r, b[:8]); err != nil {
			return err
		}
		f.Length = binary.BigEndian.Uint64(b[:8])
		if f.Length > SanityCeiling {
			return fmt.Errorf("%w: %d", ErrInsaneLength, f.Length)
		}
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.Mask[:]); err != nil {
			return err
		}
	}
	return nil
}

// ReadPayload reads exactly f.Length bytes into f.Payload and unmasks them.
func (f *Frame) ReadPayload(r io.Reader) error {
	f.Payload = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return err
	}
	if f.Masked {
		Unmask(f.Payload, f.Mask)
	}
	return nil
}

// Unmask XORs payload in place with the repeating 4-byte mask: whole words
// first, then the 0-3 trailing bytes.
func Unmask(payload []byte, mask [4]byte) {
	m := binary.LittleEndian.Uint32(mask[:])
	i := 0
	for ; i+4 <= len(payload); i += 4 {
		w := binary.LittleEndian.Uint32(payload[i:])
		binary.LittleEndian.PutUint32(payload[i:], w^m)
	}
	for j := 0; i < len(payload); i, j = i+1, j+1 {
		payload[i] ^= mask[j]
	}
}

// Decoder reads client frames and returns text payloads, one per frame.
// Pings are answered through Pong and pongs are dropped, so neither ever
// reaches the caller.
type Decoder struct {
	R io.Reader

	// Pong is called with the payload of every ping. Nil drops pings.
	Pong func(payload []byte) error

	// MaxPayload caps text payloads. Zero means SanityCeiling.
	MaxPayload uint64

	// OnFrame, if set, observes every frame header after it is read. For
	// close and unsupported frames only Fin and Opcode are set.
	OnFrame func(f *Frame)
}

// ReadText returns the payload of the next text frame. Any error wrapping
// ErrSilent is a protocol violation; other errors come from the reader.
// Close and unsupported opcodes end the read after the first header byte.
func (d *Decoder) ReadText() (string, error) {
	for {
		f, err := readOpcode(d.R)
		if err != nil {
			return "", err
		}

		switch f.Opcode {
		case OpClose:
			d.observe(&f)
			return "", ErrPeerClosed
		case OpText, OpPing, OpPong:
		default:
			d.observe(&f)
			return "", fmt.Errorf("%w: %s", ErrUnsupportedOpcode, f.Opcode)
		}

		if err := f.readRest(d.R); err != nil {
			return "", err
		}
		d.observe(&f)

		if !f.Masked {
			return "", fmt.Errorf("%w: %s frame", ErrUnmasked, f.Opcode)
		}
		if limit := d.limit(); f.Length > limit {
			return "", fmt.Errorf("%w: %s frame of %d > %d bytes", ErrFrameTooLarge, f.Opcode, f.Length, limit)
		}
		if err := f.ReadPayload(d.R); err != nil {
			return "", err
		}

		switch f.Opcode {
		case OpPing:
			if d.Pong != nil {
				if err := d.Pong(f.Payload); err != nil {
					return "", err
				}
			}
		case OpText:
			return string(f.Payload), nil
		}
	}
}

func (d *Decoder) observe(f *Frame) {
	if d.OnFrame != nil {
		d.OnFrame(f)
	}
}

func (d *Decoder) limit() uint64 {
	if d.MaxPayload == 0 || d.MaxPayload > SanityCeiling {
		return SanityCeiling
	}
	return d.MaxPayload
}

// AppendFrame appends an unmasked server frame with FIN set.
func AppendFrame(dst []byte, op Opcode, payload []byte) []byte {
	dst = appendHeader(dst, finBit|byte(op), 0, len(payload))
	return append(dst, payload...)
}

// EncodeText frames a text message for sending to a client.
func EncodeText(text string) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize(len(text))+len(text)), OpText, []byte(text))
}

// EncodePong frames a pong carrying a copy of the ping payload. An empty
// payload gives the two bytes 0x8A 0x00.
func EncodePong(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize(len(payload))+len(payload)), OpPong, payload)
}

// HeaderSize returns the size of an unmasked header for n payload bytes.
func HeaderSize(n int) int {
	switch {
	case n < len16:
		return 2
	case n < 1<<16:
		return 4
	default:
		return 10
	}
}

func appendHeader(dst []byte, b0, mask byte, n int) []byte {
	switch {
	case n < len16:
		return append(dst, b0, mask|byte(n))
	case n < 1<<16:
		dst = append(dst, b0, mask|len16)
		return binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, mask|len64)
		return binary.BigEndian.AppendUint64(dst, uint64(n))
	}
}

// MaskFrame builds a masked client frame, the way a browser would send it.
func MaskFrame(op Opcode, payload []byte, mask [4]byte) []byte {
	out := appendHeader(nil, finBit|byte(op), maskBit, len(payload))
	out = append(out, mask[:]...)
	start := len(out)
	out = append(out, payload...)
	Unmask(out[start:], mask)
	return out
}
