package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/opencog/cogserver-net/test"
)

func main() {
	telnetAddr := flag.String("addr", "localhost:17001", "Telnet listener address (empty to skip)")
	wsAddr := flag.String("ws", "localhost:18080", "WebSocket listener address (empty to skip)")
	verbose := flag.Bool("v", false, "Verbose output - show detailed actions for each test")
	flag.Parse()

	test.Verbose = *verbose

	fmt.Printf("Running integration tests against telnet=%q websocket=%q\n", *telnetAddr, *wsAddr)
	fmt.Println("Make sure the CogServer is running!")
	fmt.Println()

	results := test.RunAllTests(*telnetAddr, *wsAddr)
	test.PrintResults(results)

	for _, result := range results {
		if !result.Passed {
			os.Exit(1)
		}
	}
}
