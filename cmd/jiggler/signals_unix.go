//go:build unix

package main

import (
	"os"
	"syscall"
)

var quietSignals = []os.Signal{syscall.SIGTSTP}
