// Command guardctl inspects the pattern library, runs the guard's pure
// stages offline, verifies JSONL audit logs and reads conversation history.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

const (
	exitSuccess = 0
	exitError   = 1
	// exitFlagged is returned when a check ran and flagged its input.
	exitFlagged = 2
)

// errFlagged marks a detect hit, a failed verdict or a bad audit line; the
// result has already been printed.
var errFlagged = errors.New("input flagged")

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errFlagged) {
			os.Exit(exitFlagged)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
