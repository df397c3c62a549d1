// Package testclient is a line-protocol client for driving a running
// server from tests.
package testclient

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// TestClient collects every line the server sends on a background reader.
type TestClient struct {
	Name     string
	conn     net.Conn
	reader   *bufio.Reader
	messages []string
	writeMu  sync.Mutex
	mu       sync.Mutex
	closed   chan struct{}
}

// Dial connects to address and starts collecting messages.
func Dial(name, address string) (*TestClient, error) {
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return New(name, conn), nil
}

// New wraps an existing connection, such as one end of net.Pipe.
func New(name string, conn net.Conn) *TestClient {
	client := &TestClient{
		Name:   name,
		conn:   conn,
		reader: bufio.NewReader(conn),
		closed: make(chan struct{}),
	}
	go client.readMessages()
	return client
}

// readMessages runs until the server closes the connection. A trailing
// unterminated line (usually a prompt) is kept too.
func (c *TestClient) readMessages() {
	defer close(c.closed)
	for {
		line, err := c.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			c.mu.Lock()
			c.messages = append(c.messages, line)
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// SendCommand sends cmd followed by a newline.
func (c *TestClient) SendCommand(cmd string) error {
	return c.SendRaw([]byte(cmd + "\n"))
}

// SendRaw writes bytes exactly as given, for control characters and
// unterminated input.
func (c *TestClient) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// CloseWrite half-closes a TCP connection so the server sees end of input
// while replies can still be read.
func (c *TestClient) CloseWrite() error {
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return fmt.Errorf("%T does not support half-close", c.conn)
}

// GetMessages returns a copy of all messages received so far.
func (c *TestClient) GetMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, len(c.messages))
	copy(result, c.messages)
	return result
}

func (c *TestClient) ClearMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// WaitForMessage polls until a message contains text or timeout elapses.
func (c *TestClient) WaitForMessage(text string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.HasMessage(text) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// WaitForClose reports whether the server hung up within timeout.
func (c *TestClient) WaitForClose(timeout time.Duration) bool {
	select {
	case <-c.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *TestClient) HasMessage(text string) bool {
	for _, msg := range c.GetMessages() {
		if strings.Contains(msg, text) {
			return true
		}
	}
	return false
}

// Close closes the connection; the reader goroutine exits on its own.
func (c *TestClient) Close() error {
	return c.conn.Close()
}
