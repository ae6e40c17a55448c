//go:build !unix

package main

import "os"

var quietSignals []os.Signal
