package main

import (
	"io"
	"os"
)

// defaultLogWriter returns the destination for the server's own
// structured logs. Hook subcommands do not use it: their stderr is
// what git surfaces back to the pushing client, so they log to
// silog.Nop() instead; see hookCmd.
func defaultLogWriter() io.Writer {
	return os.Stderr
}
