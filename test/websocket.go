package test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(addr, path string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	ws, _, err := dialer.Dial("ws://"+addr+path, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	return ws, nil
}

// TestWebSocketEcho tests a full upgrade and one message each way
func TestWebSocketEcho(serverAddr string) TestResult {
	const testName = "WebSocket Echo"

	logAction(testName, "Upgrading /ws")
	ws, err := dialWS(serverAddr, "/ws")
	if err != nil {
		return fail(testName, "Upgrade failed: %v", err)
	}
	defer ws.Close()

	marker := uniqueName("ws")
	if err := ws.WriteMessage(websocket.TextMessage, []byte("echo "+marker)); err != nil {
		return fail(testName, "Write failed: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return fail(testName, "Read failed: %v", err)
	}
	logResult(testName, string(data) == marker, fmt.Sprintf("reply %q", data))
	if string(data) != marker {
		return fail(testName, "Expected %q, got %q", marker, data)
	}
	return pass(testName, "Text frame round trip succeeded")
}

// TestWebSocketPing tests that pings are answered with matching pongs
func TestWebSocketPing(serverAddr string) TestResult {
	const testName = "WebSocket Ping"

	ws, err := dialWS(serverAddr, "/ws")
	if err != nil {
		return fail(testName, "Upgrade failed: %v", err)
	}
	defer ws.Close()

	pong := make(chan string, 1)
	ws.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	if err := ws.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(time.Second)); err != nil {
		return fail(testName, "Ping failed: %v", err)
	}
	// Pongs are only processed while reading.
	ws.WriteMessage(websocket.TextMessage, []byte("echo after-ping"))
	if _, _, err := ws.ReadMessage(); err != nil {
		return fail(testName, "Read failed: %v", err)
	}

	select {
	case data := <-pong:
		if data != "heartbeat" {
			return fail(testName, "Pong payload %q", data)
		}
	default:
		return fail(testName, "No pong received")
	}
	return pass(testName, "Ping answered")
}

// TestWebSocketUnknownPath tests that unknown request targets get a 404
func TestWebSocketUnknownPath(serverAddr string) TestResult {
	const testName = "WebSocket Unknown Path"

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+serverAddr+"/no-such-path", nil)
	if err == nil {
		return fail(testName, "Upgrade unexpectedly succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return fail(testName, "Expected 404, got %v", err)
	}
	return pass(testName, "Unknown path refused with 404")
}

// TestPlainHTTPBanner tests that a GET without upgrade receives the banner
func TestPlainHTTPBanner(serverAddr string) TestResult {
	const testName = "Plain HTTP Banner"

	conn, err := net.DialTimeout("tcp", serverAddr, 2*time.Second)
	if err != nil {
		return fail(testName, "Connection failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\n\r\n", serverAddr)
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && err != io.EOF {
		return fail(testName, "Read failed: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		return fail(testName, "Unexpected status line %q", status)
	}
	return pass(testName, "Banner served over plain HTTP")
}
