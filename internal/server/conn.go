package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opencog/cogserver-net/internal/logger"
	"github.com/opencog/cogserver-net/internal/metrics"
	"github.com/opencog/cogserver-net/internal/wire"
)

const readBufferSize = 4096

// Mode is the protocol a connection is currently speaking.
type Mode int32

const (
	// ModeLine splits input into telnet-aware lines.
	ModeLine Mode = iota
	// ModeHandshake reads HTTP request lines until the upgrade completes.
	ModeHandshake
	// ModeFrame reads and writes RFC 6455 frames. It is never left.
	ModeFrame
)

func (m Mode) String() string {
	switch m {
	case ModeLine:
		return "line"
	case ModeHandshake:
		return "handshake"
	case ModeFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// protocol names the listener kind a mode starts from, for metrics labels.
func (m Mode) protocol() string {
	if m == ModeLine {
		return "telnet"
	}
	return "websocket"
}

// Status is the coarse state shown in the stats table.
type Status int32

const (
	StatusStart Status = iota
	StatusInputWait
	StatusRunning
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusStart:
		return "start"
	case StatusInputWait:
		return "iwait"
	case StatusRunning:
		return " run "
	case StatusClosing:
		return "close"
	default:
		return "?????"
	}
}

// threadIDs numbers read loops process-wide, standing in for thread ids.
var threadIDs atomic.Int64

// Conn is one accepted socket and the goroutine reading it.
type Conn struct {
	id       string
	sock     net.Conn
	start    time.Time
	protocol string

	tid    atomic.Int64
	status atomic.Int32
	mode   atomic.Int32

	handler    Handler
	registry   *Registry
	metrics    *metrics.Metrics
	log        *slog.Logger
	maxPayload uint64

	// Read-loop state, owned by the goroutine in Run.
	pending []byte
	scanner wire.Scanner
	hs      wire.Handshake

	writeMu      sync.Mutex
	shutdownOnce sync.Once
}

type connOptions struct {
	registry   *Registry
	metrics    *metrics.Metrics
	maxPayload uint64
}

// newConn wraps sock and registers it. The handler is built last so the
// factory sees a fully formed connection.
func newConn(sock net.Conn, mode Mode, factory HandlerFactory, opts connOptions) *Conn {
	c := &Conn{
		id:         uuid.New().String(),
		sock:       sock,
		start:      time.Now(),
		protocol:   mode.protocol(),
		registry:   opts.registry,
		metrics:    opts.metrics,
		maxPayload: opts.maxPayload,
	}
	c.mode.Store(int32(mode))
	c.status.Store(int32(StatusStart))
	c.log = logger.With("session", c.id, "remote", c.RemoteAddr(), "protocol", c.protocol)
	c.handler = factory(c)

	if c.registry == nil {
		c.registry = NewRegistry()
	}
	c.registry.Register(c)
	c.metrics.ConnectionOpened(c.protocol)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string {
	if addr := c.sock.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) StartTime() time.Time { return c.start }

// ThreadID is the number of the goroutine serving this connection, zero
// until Run starts.
func (c *Conn) ThreadID() int64 { return c.tid.Load() }

func (c *Conn) Status() Status { return Status(c.status.Load()) }

func (c *Conn) Mode() Mode { return Mode(c.mode.Load()) }

// IsWebSocket reports whether frame I/O is active.
func (c *Conn) IsWebSocket() bool { return c.Mode() == ModeFrame }

// RequestedURL, Origin and Host describe the WebSocket request. They are
// empty on line connections and are meant to be read from handler hooks.
func (c *Conn) RequestedURL() string { return c.hs.URL() }
func (c *Conn) Origin() string       { return c.hs.Origin() }
func (c *Conn) Host() string         { return c.hs.Host() }

// UpgradeRequested reports whether the request carried an
// "Upgrade: websocket" header. A handler can use it to answer plain HTTP
// requests itself.
func (c *Conn) UpgradeRequested() bool { return c.hs.Upgrade() }

// Registry is the registry this connection belongs to.
func (c *Conn) Registry() *Registry { return c.registry }

// Logger returns a logger tagged with this connection's session.
func (c *Conn) Logger() *slog.Logger { return c.log }

// Run serves the connection until the peer leaves, a protocol error occurs,
// the handler asks to close, or ctx is cancelled. It always tears the
// connection down before returning.
func (c *Conn) Run(ctx context.Context) {
	c.tid.Store(threadIDs.Add(1))
	stop := context.AfterFunc(ctx, c.Shutdown)
	defer stop()

	err := c.loop()
	c.teardown(err)
}

func (c *Conn) loop() error {
	if c.Mode() == ModeLine {
		if err := c.handler.OnConnection(c); err != nil {
			return &hookError{hook: "on connection", err: err}
		}
	}

	buf := make([]byte, readBufferSize)
	for c.Mode() != ModeFrame {
		c.status.Store(int32(StatusInputWait))
		n, err := c.sock.Read(buf)
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
			if derr := c.drain(); derr != nil {
				return derr
			}
		}
		if err != nil {
			return err
		}
	}
	return c.frameLoop()
}

// drain hands every complete unit in pending to the current mode. It stops
// early if the handshake completes, leaving any bytes that followed the
// blank line for the frame decoder.
func (c *Conn) drain() error {
	for c.Mode() != ModeFrame {
		end, term, ok := c.scanner.Scan(c.pending)
		if !ok {
			return nil
		}
		unit := wire.TrimUnit(c.pending[:end], term)
		c.pending = append(c.pending[:0], c.pending[end:]...)

		var err error
		if c.Mode() == ModeLine {
			err = c.deliver(unit)
		} else {
			err = c.handshakeLine(unit)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) handshakeLine(line string) error {
	done, err := c.hs.Feed(line)
	if err != nil {
		if errors.Is(err, wire.ErrNotImplemented) {
			c.writeRaw([]byte(wire.NotImplementedResponse))
		}
		return err
	}
	if !done {
		return nil
	}

	if err := c.handler.OnConnection(c); err != nil {
		c.hs.Reject()
		return &hookError{hook: "on connection", err: err}
	}
	if !c.hs.Upgrade() {
		c.hs.Reject()
		return ErrNoUpgrade
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.sock.Write([]byte(c.hs.Accept())); err != nil {
		return err
	}
	c.mode.Store(int32(ModeFrame))
	c.log.Debug("websocket upgrade accepted", "url", c.hs.URL())
	return nil
}

func (c *Conn) frameLoop() error {
	var src io.Reader = c.sock
	if len(c.pending) > 0 {
		src = io.MultiReader(bytes.NewReader(c.pending), c.sock)
		c.pending = nil
	}

	dec := &wire.Decoder{
		R:          bufio.NewReaderSize(src, readBufferSize),
		Pong:       c.sendPong,
		MaxPayload: c.maxPayload,
		OnFrame: func(f *wire.Frame) {
			c.metrics.Frame(f.Opcode.String(), metrics.Inbound)
		},
	}
	for {
		c.status.Store(int32(StatusInputWait))
		text, err := dec.ReadText()
		if err != nil {
			return err
		}
		if err := c.deliver(text); err != nil {
			return err
		}
	}
}

func (c *Conn) deliver(unit string) error {
	c.status.Store(int32(StatusRunning))
	c.metrics.Unit(c.Mode().String())
	if err := c.handler.OnLine(c, unit); err != nil {
		return &hookError{hook: "on line", err: err}
	}
	return nil
}

// teardown flushes a final unterminated line, closes the socket and leaves
// the registry. A line is not flushed after the handler itself asked to
// close.
func (c *Conn) teardown(err error) {
	var he *hookError
	requested := errors.As(err, &he)

	if !requested && c.Mode() == ModeLine && len(c.pending) > 0 {
		if line := wire.TrimCR(c.pending); line != "" {
			if ferr := c.deliver(line); ferr != nil && !wire.IsSilent(ferr) {
				c.log.Error("handler failed on final line", "error", ferr)
			}
		}
		c.pending = nil
	}

	status := c.logExit(err)

	c.status.Store(int32(StatusClosing))
	c.Shutdown()
	c.registry.Unregister(c)
	c.metrics.ConnectionClosed(c.protocol, status, time.Since(c.start))
}

// logExit logs why the loop ended, at a level matching how surprising it
// is, and returns the metrics status.
func (c *Conn) logExit(err error) string {
	var he *hookError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &he) && wire.IsSilent(err):
		c.log.Debug("connection closed by handler", "reason", err)
		return "ok"
	case errors.As(err, &he):
		c.log.Error("handler failed", "error", err)
		return "error"
	case IsBenign(err), errors.Is(err, wire.ErrPeerClosed):
		c.log.Debug("connection closed by peer", "reason", err)
		return "ok"
	case errors.Is(err, ErrNoUpgrade):
		c.log.Debug("plain http request served", "url", c.hs.URL())
		return "ok"
	case wire.IsSilent(err):
		c.log.Warn("protocol violation", "error", err)
		return "error"
	default:
		c.log.Error("connection read failed", "error", err)
		return "error"
	}
}

// Send writes text to the client, framed when the connection is a
// WebSocket. It is safe to call from any goroutine; whole messages never
// interleave.
func (c *Conn) Send(text string) error {
	c.writeMu.Lock()
	var err error
	framed := c.Mode() == ModeFrame
	if framed {
		_, err = c.sock.Write(wire.EncodeText(text))
	} else {
		_, err = io.WriteString(c.sock, text)
	}
	c.writeMu.Unlock()

	if err != nil {
		c.metrics.SendError()
		if !IsDisconnect(err) {
			c.log.Error("send failed", "error", err, "payload", text)
		}
		return err
	}
	if framed {
		c.metrics.Frame(wire.OpText.String(), metrics.Outbound)
	}
	return nil
}

// writeRaw sends bytes unframed, for HTTP responses during the handshake.
func (c *Conn) writeRaw(p []byte) {
	c.writeMu.Lock()
	_, err := c.sock.Write(p)
	c.writeMu.Unlock()
	if err != nil && !IsDisconnect(err) {
		c.log.Error("raw write failed", "error", err)
	}
}

func (c *Conn) sendPong(payload []byte) error {
	c.writeMu.Lock()
	_, err := c.sock.Write(wire.EncodePong(payload))
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	c.metrics.Frame(wire.OpPong.String(), metrics.Outbound)
	return nil
}

// Shutdown half-closes then closes the socket. It runs once per connection
// and may be called from any goroutine; a blocked read in Run then fails
// and the connection tears itself down.
func (c *Conn) Shutdown() {
	c.shutdownOnce.Do(func() {
		if hc, ok := c.sock.(interface{ CloseWrite() error }); ok {
			if err := hc.CloseWrite(); err != nil && !isAlreadyClosed(err) {
				c.log.Error("half-close failed", "error", err)
			}
		}
		if err := c.sock.Close(); err != nil && !isAlreadyClosed(err) {
			c.log.Error("close failed", "error", err)
		}
	})
}
