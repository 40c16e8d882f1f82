package main

// fakeserver stands in for vmount-server under test. Its behavior is
// scripted through FAKESERVER_* environment variables so that the launching
// side's command line stays exactly what production sends.

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

func main() {
	// Signals are trapped before anything is printed: once the launcher has
	// seen output it may immediately send SIGTERM.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	if v := os.Getenv("FAKESERVER_STDERR"); v != "" {
		fmt.Fprint(os.Stderr, v)
	}
	if os.Getenv("FAKESERVER_ECHO_KEY") != "" {
		fmt.Fprint(os.Stderr, os.Getenv("VMOUNT_SERVER_KEY"))
	}
	// Parts separated by "|" are written separately with a pause between
	// them, so a token can be made to straddle reads.
	if v := os.Getenv("FAKESERVER_STDOUT"); v != "" {
		for i, part := range strings.Split(v, "|") {
			if i > 0 {
				time.Sleep(50 * time.Millisecond)
			}
			fmt.Fprint(os.Stdout, part)
		}
	}
	if v := os.Getenv("FAKESERVER_EXIT"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			code = 1
		}
		os.Exit(code)
	}

	if os.Getenv("FAKESERVER_IGNORE_TERM") != "" {
		for range sigs {
			// deaf to polite requests; only the kill from the launch
			// context ends this one
		}
	}
	<-sigs
}
