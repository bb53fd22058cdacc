//go:build unix

package main

import (
	"os"
	"syscall"
)

// resumeSignals are treated as the application returning to the foreground.
var resumeSignals = []os.Signal{syscall.SIGCONT}
