//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals are the signals the server shuts down gracefully on:
// Ctrl+C plus the SIGTERM that process managers send.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
