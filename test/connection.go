package test

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opencog/cogserver-net/internal/testclient"
)

// TestBasicConnection tests that clients can connect and receive a greeting
func TestBasicConnection(serverAddr string) TestResult {
	const testName = "Basic Connection"

	name := uniqueName("basic")
	logAction(testName, fmt.Sprintf("Connecting as '%s'...", name))
	client, err := testclient.Dial(name, serverAddr)
	if err != nil {
		return fail(testName, "Failed to connect: %v", err)
	}
	defer client.Close()

	found := client.WaitForMessage("help", 2*time.Second)
	logResult(testName, found, "Greeting mentions help")
	if !found {
		return fail(testName, "No greeting received from server")
	}
	return pass(testName, "Connected successfully, received %d messages", len(client.GetMessages()))
}

// TestEchoCommand tests that echo repeats its argument
func TestEchoCommand(serverAddr string) TestResult {
	const testName = "Echo Command"

	client, err := testclient.Dial(uniqueName("echo"), serverAddr)
	if err != nil {
		return fail(testName, "Connection failed: %v", err)
	}
	defer client.Close()

	marker := uniqueName("marker")
	logAction(testName, "Sending echo "+marker)
	client.SendCommand("echo " + marker)

	found := client.WaitForMessage(marker, 2*time.Second)
	logResult(testName, found, "Echo reply received")
	if !found {
		return fail(testName, "Echo reply not received")
	}
	return pass(testName, "Echo round trip succeeded")
}

// TestJournalWrite tests that free-form input is journaled and replayed by
// history
func TestJournalWrite(serverAddr string) TestResult {
	const testName = "Journal Write"

	client, err := testclient.Dial(uniqueName("journal"), serverAddr)
	if err != nil {
		return fail(testName, "Connection failed: %v", err)
	}
	defer client.Close()

	line := fmt.Sprintf("(Concept \"%s\")", uniqueName("atom"))
	logAction(testName, "Sending "+line)
	client.SendCommand(line)
	if !client.WaitForMessage("ok", 2*time.Second) {
		return fail(testName, "Journal write not acknowledged: %v", client.GetMessages())
	}

	client.SendCommand("history")
	found := client.WaitForMessage(line, 2*time.Second)
	logResult(testName, found, "Line present in history")
	if !found {
		return fail(testName, "History did not include the journaled line")
	}
	return pass(testName, "Line journaled and replayed")
}

// TestStatsListsClients tests that stats shows every open connection
func TestStatsListsClients(serverAddr string) TestResult {
	const testName = "Stats Lists Clients"

	var clients []*testclient.TestClient
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	for i := 0; i < 3; i++ {
		c, err := testclient.Dial(uniqueName("stats"), serverAddr)
		if err != nil {
			return fail(testName, "Connection failed: %v", err)
		}
		clients = append(clients, c)
	}

	observer := clients[0]
	time.Sleep(200 * time.Millisecond)
	observer.ClearMessages()
	observer.SendCommand("stats")
	if !observer.WaitForMessage("THREAD STATE", 2*time.Second) {
		return fail(testName, "Stats header not received")
	}
	time.Sleep(200 * time.Millisecond)

	rows := 0
	for _, m := range observer.GetMessages() {
		if strings.HasSuffix(m, "iwait") || strings.HasSuffix(m, " run ") {
			rows++
		}
	}
	logResult(testName, rows >= 3, fmt.Sprintf("%d connection rows", rows))
	if rows < 3 {
		return fail(testName, "Expected at least 3 rows, got %d", rows)
	}
	return pass(testName, "Stats listed %d connections", rows)
}

// TestUnterminatedLine tests that input without a newline is still handled
// when the client half-closes
func TestUnterminatedLine(serverAddr string) TestResult {
	const testName = "Unterminated Line"

	client, err := testclient.Dial(uniqueName("netcat"), serverAddr)
	if err != nil {
		return fail(testName, "Connection failed: %v", err)
	}
	defer client.Close()

	marker := uniqueName("tail")
	client.SendRaw([]byte("echo " + marker))
	if err := client.CloseWrite(); err != nil {
		return fail(testName, "Half-close failed: %v", err)
	}

	closed := client.WaitForClose(3 * time.Second)
	found := client.HasMessage(marker)
	logResult(testName, found, "Final line answered before close")
	if !closed || !found {
		return fail(testName, "closed=%v answered=%v", closed, found)
	}
	return pass(testName, "Final line delivered at end of stream")
}

// TestControlD tests that EOT closes the session
func TestControlD(serverAddr string) TestResult {
	const testName = "Control-D"

	client, err := testclient.Dial(uniqueName("eot"), serverAddr)
	if err != nil {
		return fail(testName, "Connection failed: %v", err)
	}
	defer client.Close()

	client.SendRaw([]byte{0x04})
	closed := client.WaitForClose(2 * time.Second)
	logResult(testName, closed, "Server closed connection")
	if !closed {
		return fail(testName, "Connection still open after EOT")
	}
	return pass(testName, "EOT closed the session")
}

// TestManyClients tests concurrent sessions do not see each other's replies
func TestManyClients(serverAddr string) TestResult {
	const testName = "Many Clients"
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := uniqueName("many")
			client, err := testclient.Dial(name, serverAddr)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer client.Close()

			client.SendCommand("echo " + name)
			if !client.WaitForMessage(name, 3*time.Second) {
				errs <- name + " got no reply"
			}
		}()
	}
	wg.Wait()
	close(errs)

	var failures []string
	for e := range errs {
		failures = append(failures, e)
	}
	if len(failures) > 0 {
		return fail(testName, "%d of %d clients failed: %s", len(failures), n, strings.Join(failures, "; "))
	}
	return pass(testName, "%d concurrent clients answered", n)
}
