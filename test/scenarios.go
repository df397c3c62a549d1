// Package test holds end-to-end scenarios run by cmd/testrunner against a
// live server.
package test

import (
	"fmt"
	"sync/atomic"
)

// uniqueCounter provides unique client names within a single run
var uniqueCounter uint64

func uniqueName(base string) string {
	return fmt.Sprintf("%s-%d", base, atomic.AddUint64(&uniqueCounter, 1))
}

// Verbose controls whether detailed logging is shown during tests
var Verbose = false

// TestResult represents the result of a test
type TestResult struct {
	Name    string
	Passed  bool
	Message string
}

// logAction logs a test action when verbose mode is enabled
func logAction(testName, action string) {
	if Verbose {
		fmt.Printf("  [%s] %s\n", testName, action)
	}
}

// logResult logs an expected vs actual result when verbose mode is enabled
func logResult(testName string, success bool, detail string) {
	if Verbose {
		status := "OK"
		if !success {
			status = "FAIL"
		}
		fmt.Printf("  [%s] %s: %s\n", testName, status, detail)
	}
}

func fail(name, format string, args ...any) TestResult {
	return TestResult{Name: name, Passed: false, Message: fmt.Sprintf(format, args...)}
}

func pass(name, format string, args ...any) TestResult {
	return TestResult{Name: name, Passed: true, Message: fmt.Sprintf(format, args...)}
}

// RunAllTests runs every scenario. An empty address skips that listener's
// group.
func RunAllTests(telnetAddr, wsAddr string) []TestResult {
	results := make([]TestResult, 0)

	if telnetAddr != "" {
		results = append(results, TestBasicConnection(telnetAddr))
		results = append(results, TestEchoCommand(telnetAddr))
		results = append(results, TestJournalWrite(telnetAddr))
		results = append(results, TestStatsListsClients(telnetAddr))
		results = append(results, TestUnterminatedLine(telnetAddr))
		results = append(results, TestControlD(telnetAddr))
		results = append(results, TestManyClients(telnetAddr))
	}

	if wsAddr != "" {
		results = append(results, TestWebSocketEcho(wsAddr))
		results = append(results, TestWebSocketPing(wsAddr))
		results = append(results, TestWebSocketUnknownPath(wsAddr))
		results = append(results, TestPlainHTTPBanner(wsAddr))
	}

	return results
}

// PrintResults prints a summary of test results
func PrintResults(results []TestResult) {
	passed := 0
	failed := 0

	fmt.Println("============================================================")
	fmt.Println("Integration Test Results")
	fmt.Println("============================================================")
	fmt.Println()

	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			failed++
		} else {
			passed++
		}
		fmt.Printf("[%s] %s: %s\n", status, r.Name, r.Message)
	}

	fmt.Println()
	fmt.Println("------------------------------------------------------------")
	fmt.Printf("Total: %d | Passed: %d | Failed: %d\n", len(results), passed, failed)
	fmt.Println("------------------------------------------------------------")
}
