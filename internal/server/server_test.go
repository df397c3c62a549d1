package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencog/cogserver-net/internal/config"
	"github.com/opencog/cogserver-net/internal/metrics"
	"github.com/opencog/cogserver-net/internal/testclient"
	"github.com/opencog/cogserver-net/internal/wire"
)

var clientMask = [4]byte{0x12, 0x34, 0x56, 0x78}

const upgradeRequest = "GET /ws HTTP/1.1\r\n" +
	"Host: localhost\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n" +
	"\r\n"

const switchingProtocols = "HTTP/1.1 101 Switching Protocols\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
	"\r\n"

type testServer struct {
	*Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, mode Mode, factory HandlerFactory, tweak func(*config.ServerConfig), opts ...Option) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Connections.ShutdownTimeout = 2 * time.Second
	if tweak != nil {
		tweak(cfg)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		Server: New(cfg, factory, opts...),
		addr:   ln.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { ts.done <- ts.Serve(ctx, ln, mode) }()

	t.Cleanup(func() { ts.stop(t) })
	return ts
}

func (ts *testServer) stop(t *testing.T) error {
	t.Helper()
	ts.cancel()
	select {
	case err, ok := <-ts.done:
		if ok {
			close(ts.done)
		}
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

// echoHandler answers every line and recognises "quit".
func echoHandler(*Conn) Handler {
	return HandlerFuncs{
		Connect: func(c *Conn) error {
			if c.Mode() == ModeLine {
				return c.Send("hello\n")
			}
			return nil
		},
		Line: func(c *Conn, line string) error {
			switch line {
			case "quit":
				c.Send("bye\n")
				return wire.ErrSilent
			case "ping-test":
				return c.Send("pong-test")
			}
			if c.IsWebSocket() {
				return c.Send("echo:" + line)
			}
			return c.Send("echo:" + line + "\n")
		},
	}
}

func dialWebSocket(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func upgrade(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, r := dialWebSocket(t, addr)
	_, err := io.WriteString(conn, upgradeRequest)
	require.NoError(t, err)

	resp := make([]byte, len(switchingProtocols))
	_, err = io.ReadFull(r, resp)
	require.NoError(t, err)
	require.Equal(t, switchingProtocols, string(resp))
	return conn, r
}

func readFrame(t *testing.T, r io.Reader) wire.Frame {
	t.Helper()
	f, err := wire.ReadHeader(r)
	require.NoError(t, err)
	require.NoError(t, f.ReadPayload(r))
	return f
}

// drain reads until the server hangs up. A reset is as good as a close
// here, since the server may drop unread input.
func drain(r io.Reader) []byte {
	data, _ := io.ReadAll(r)
	return data
}

func TestServer_LineSession(t *testing.T) {
	ts := startServer(t, ModeLine, echoHandler, nil)

	client, err := testclient.Dial("alice", ts.addr)
	require.NoError(t, err)
	defer client.Close()

	require.True(t, client.WaitForMessage("hello", 2*time.Second))
	require.NoError(t, client.SendCommand("first"))
	require.NoError(t, client.SendRaw([]byte("second\r\n")))
	require.True(t, client.WaitForMessage("echo:second", 2*time.Second))

	msgs := client.GetMessages()
	assert.Equal(t, []string{"hello", "echo:first", "echo:second"}, msgs)

	require.NoError(t, client.SendCommand("quit"))
	assert.True(t, client.WaitForClose(2*time.Second))
	assert.True(t, client.HasMessage("bye"))
}

func TestServer_FinalUnterminatedLine(t *testing.T) {
	ts := startServer(t, ModeLine, echoHandler, nil)

	client, err := testclient.Dial("netcat", ts.addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendRaw([]byte("no newline here")))
	require.NoError(t, client.CloseWrite())

	assert.True(t, client.WaitForClose(2*time.Second))
	assert.True(t, client.HasMessage("echo:no newline here"))
}

func TestServer_RegistryEmptyAfterClients(t *testing.T) {
	ts := startServer(t, ModeLine, echoHandler, nil)

	const n = 7
	var clients []*testclient.TestClient
	for i := 0; i < n; i++ {
		c, err := testclient.Dial(fmt.Sprintf("c%d", i), ts.addr)
		require.NoError(t, err)
		clients = append(clients, c)
	}

	require.Eventually(t, func() bool { return ts.Registry().Len() == n }, 2*time.Second, 10*time.Millisecond)
	stats := ts.Stats()
	assert.True(t, strings.HasPrefix(stats, StatsHeader+"\n"))
	assert.Equal(t, n+1, strings.Count(stats, "\n"))

	for _, c := range clients {
		c.Close()
	}
	require.Eventually(t, func() bool { return ts.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, ts.Registry().Snapshot())

	require.Eventually(t, func() bool {
		total, _ := ts.Limiter().Stats()
		return total == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ConnectionLimit(t *testing.T) {
	ts := startServer(t, ModeLine, echoHandler, func(cfg *config.ServerConfig) {
		cfg.Connections.MaxPerIP = 1
	})

	first, err := testclient.Dial("first", ts.addr)
	require.NoError(t, err)
	defer first.Close()
	require.True(t, first.WaitForMessage("hello", 2*time.Second))

	second, err := testclient.Dial("second", ts.addr)
	require.NoError(t, err)
	defer second.Close()

	assert.True(t, second.WaitForClose(2*time.Second))
	assert.True(t, second.HasMessage("Too many connections"))
	assert.Equal(t, 1, ts.Registry().Len())
}

func TestServer_StopClosesConnections(t *testing.T) {
	m := metrics.New("test")
	ts := startServer(t, ModeLine, echoHandler, nil, WithMetrics(m))

	client, err := testclient.Dial("bob", ts.addr)
	require.NoError(t, err)
	defer client.Close()
	require.True(t, client.WaitForMessage("hello", 2*time.Second))

	assert.NoError(t, ts.stop(t))
	assert.True(t, client.WaitForClose(2*time.Second))
	assert.Zero(t, ts.Registry().Len())

	_, err = net.DialTimeout("tcp", ts.addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_ShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocking := func(*Conn) Handler {
		return HandlerFuncs{Line: func(*Conn, string) error {
			<-release
			return nil
		}}
	}
	ts := startServer(t, ModeLine, blocking, func(cfg *config.ServerConfig) {
		cfg.Connections.ShutdownTimeout = 100 * time.Millisecond
	})

	client, err := testclient.Dial("stuck", ts.addr)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SendCommand("block"))
	require.Eventually(t, func() bool {
		rows := ts.Registry().Snapshot()
		return len(rows) == 1 && rows[0].Conn.Status() == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, ts.stop(t), ErrShutdownTimeout)
}

func TestServer_CloseAll(t *testing.T) {
	ts := startServer(t, ModeLine, echoHandler, nil)

	a, err := testclient.Dial("a", ts.addr)
	require.NoError(t, err)
	defer a.Close()
	b, err := testclient.Dial("b", ts.addr)
	require.NoError(t, err)
	defer b.Close()
	require.Eventually(t, func() bool { return ts.Registry().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	ts.CloseAll()
	assert.True(t, a.WaitForClose(2*time.Second))
	assert.True(t, b.WaitForClose(2*time.Second))
	require.Eventually(t, func() bool { return ts.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_SharedRegistry(t *testing.T) {
	reg := NewRegistry()
	telnet := startServer(t, ModeLine, echoHandler, nil, WithRegistry(reg))
	ws := startServer(t, ModeHandshake, echoHandler, nil, WithRegistry(reg))

	client, err := testclient.Dial("t", telnet.addr)
	require.NoError(t, err)
	defer client.Close()
	upgrade(t, ws.addr)

	require.Eventually(t, func() bool { return reg.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, telnet.Stats(), ws.Stats())
}

func TestServer_ServeRejectsFrameMode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = New(nil, echoHandler).Serve(context.Background(), ln, ModeFrame)
	assert.Error(t, err)
}

func TestWebSocket_HandshakeAndEcho(t *testing.T) {
	var url atomic.Value
	factory := func(c *Conn) Handler {
		h := echoHandler(c).(HandlerFuncs)
		h.Connect = func(c *Conn) error {
			url.Store(c.RequestedURL())
			return nil
		}
		return h
	}
	ts := startServer(t, ModeHandshake, factory, nil)

	conn, r := upgrade(t, ts.addr)
	assert.Equal(t, "/ws", url.Load())

	_, err := conn.Write(wire.MaskFrame(wire.OpText, []byte("ping-test"), clientMask))
	require.NoError(t, err)

	reply := make([]byte, 11)
	_, err = io.ReadFull(r, reply)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x81, 0x09}, "pong-test"...), reply)
}

func TestWebSocket_FrameInSameSegmentAsHeaders(t *testing.T) {
	ts := startServer(t, ModeHandshake, echoHandler, nil)
	conn, r := dialWebSocket(t, ts.addr)

	payload := append([]byte(upgradeRequest), wire.MaskFrame(wire.OpText, []byte("early"), clientMask)...)
	_, err := conn.Write(payload)
	require.NoError(t, err)

	resp := make([]byte, len(switchingProtocols))
	_, err = io.ReadFull(r, resp)
	require.NoError(t, err)
	assert.Equal(t, switchingProtocols, string(resp))

	f := readFrame(t, r)
	assert.Equal(t, "echo:early", string(f.Payload))
}

func TestWebSocket_PingIsAnsweredNotDelivered(t *testing.T) {
	var lines atomic.Int32
	factory := func(*Conn) Handler {
		return HandlerFuncs{Line: func(c *Conn, line string) error {
			lines.Add(1)
			return c.Send("got:" + line)
		}}
	}
	ts := startServer(t, ModeHandshake, factory, nil)
	conn, r := upgrade(t, ts.addr)

	_, err := conn.Write(wire.MaskFrame(wire.OpPing, []byte("hb"), clientMask))
	require.NoError(t, err)
	_, err = conn.Write(wire.MaskFrame(wire.OpPing, nil, clientMask))
	require.NoError(t, err)

	pong := make([]byte, 4)
	_, err = io.ReadFull(r, pong)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x8A, 0x02, 'h', 'b'}, pong)

	empty := make([]byte, 2)
	_, err = io.ReadFull(r, empty)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x8A, 0x00}, empty)

	_, err = conn.Write(wire.MaskFrame(wire.OpText, []byte("after"), clientMask))
	require.NoError(t, err)
	f := readFrame(t, r)
	assert.Equal(t, "got:after", string(f.Payload))
	assert.Equal(t, int32(1), lines.Load())
}

func TestWebSocket_LargeMessages(t *testing.T) {
	ts := startServer(t, ModeHandshake, echoHandler, nil)
	conn, r := upgrade(t, ts.addr)

	for _, size := range []int{125, 126, 65535, 70000} {
		text := strings.Repeat("x", size)
		_, err := conn.Write(wire.MaskFrame(wire.OpText, []byte(text), clientMask))
		require.NoError(t, err)

		f := readFrame(t, r)
		assert.Equal(t, "echo:"+text, string(f.Payload), "size %d", size)
	}
}

func TestWebSocket_SilentTermination(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"close", wire.MaskFrame(wire.OpClose, nil, clientMask)},
		{"binary", wire.MaskFrame(wire.OpBinary, []byte{1, 2}, clientMask)},
		{"unmasked", wire.EncodeText("plain")},
		{"unmasked ping", []byte{0x89, 0x02, 'h', 'i'}},
		{"close byte alone", []byte{0x88}},
		{"insane length", append([]byte{0x81, 0xFF, 0x01, 0, 0, 0, 0, 0, 0, 1}, clientMask[:]...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startServer(t, ModeHandshake, echoHandler, nil)
			conn, r := upgrade(t, ts.addr)

			_, err := conn.Write(tt.frame)
			require.NoError(t, err)

			assert.Empty(t, drain(r))
			require.Eventually(t, func() bool { return ts.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestWebSocket_MaxMessageSize(t *testing.T) {
	ts := startServer(t, ModeHandshake, echoHandler, func(cfg *config.ServerConfig) {
		cfg.WebSocket.MaxMessageSize = 16
	})
	conn, r := upgrade(t, ts.addr)

	_, err := conn.Write(wire.MaskFrame(wire.OpText, []byte("short"), clientMask))
	require.NoError(t, err)
	assert.Equal(t, "echo:short", string(readFrame(t, r).Payload))

	_, err = conn.Write(wire.MaskFrame(wire.OpText, []byte(strings.Repeat("y", 17)), clientMask))
	require.NoError(t, err)
	assert.Empty(t, drain(r))
}

func TestWebSocket_NotGet(t *testing.T) {
	ts := startServer(t, ModeHandshake, echoHandler, nil)
	conn, r := dialWebSocket(t, ts.addr)

	_, err := io.WriteString(conn, "POST /ws HTTP/1.1\r\nHost: localhost\r\n\r\n")
	require.NoError(t, err)

	resp, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, wire.NotImplementedResponse, string(resp))
}

func TestWebSocket_NoUpgradeHeader(t *testing.T) {
	var connected atomic.Bool
	factory := func(*Conn) Handler {
		return HandlerFuncs{Connect: func(c *Conn) error {
			connected.Store(true)
			return c.Send("HTTP/1.1 200 OK\r\n\r\nplain")
		}}
	}
	ts := startServer(t, ModeHandshake, factory, nil)
	conn, r := dialWebSocket(t, ts.addr)

	_, err := io.WriteString(conn, "GET /index.html HTTP/1.1\r\nHost: localhost\r\n\r\n")
	require.NoError(t, err)

	resp, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\nplain", string(resp))
	assert.True(t, connected.Load())
}

func TestWebSocket_HandlerRefusesPath(t *testing.T) {
	factory := func(*Conn) Handler {
		return HandlerFuncs{Connect: func(c *Conn) error {
			if c.RequestedURL() != "/ok" {
				c.Send("HTTP/1.1 404 Not Found\r\n\r\n")
				return wire.ErrSilent
			}
			return nil
		}}
	}
	ts := startServer(t, ModeHandshake, factory, nil)
	conn, r := dialWebSocket(t, ts.addr)

	_, err := io.WriteString(conn, upgradeRequest)
	require.NoError(t, err)

	resp, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\n\r\n", string(resp))
}

func TestWebSocket_GorillaClient(t *testing.T) {
	ts := startServer(t, ModeHandshake, echoHandler, nil)

	dialer := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
		WriteBufferSize:  1 << 17,
	}
	ws, resp, err := dialer.Dial("ws://"+ts.addr+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, 101, resp.StatusCode)

	pongs := make(chan string, 1)
	ws.SetPongHandler(func(data string) error {
		pongs <- data
		return nil
	})
	require.NoError(t, ws.WriteControl(websocket.PingMessage, []byte("are-you-there"), time.Now().Add(time.Second)))

	big := strings.Repeat("z", 70000)
	for _, msg := range []string{"hello", big} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
		kind, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.Equal(t, "echo:"+msg, string(data))
	}

	select {
	case p := <-pongs:
		assert.Equal(t, "are-you-there", p)
	default:
		t.Error("pong not received before the echo")
	}
}

func TestIsBenign(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{io.EOF, true},
		{fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{&net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{syscall.ENOTCONN, true},
		{net.ErrClosed, true},
		{wire.ErrUnmasked, false},
		{errors.New("disk on fire"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsBenign(tt.err), "%v", tt.err)
	}
}

func TestIsDisconnect(t *testing.T) {
	assert.True(t, IsDisconnect(&net.OpError{Op: "write", Err: syscall.EPIPE}))
	assert.True(t, IsDisconnect(syscall.EBADF))
	assert.True(t, IsDisconnect(io.ErrClosedPipe))
	assert.False(t, IsDisconnect(io.EOF))
	assert.False(t, IsDisconnect(errors.New("other")))
}
