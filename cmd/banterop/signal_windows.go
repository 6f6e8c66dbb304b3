//go:build windows

package main

import (
	"os"
)

// terminationSignals are the signals the server shuts down gracefully on.
// There is no SIGTERM on Windows; Ctrl+C is all we get.
var terminationSignals = []os.Signal{os.Interrupt}
