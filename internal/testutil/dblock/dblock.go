// Package dblock serializes database-backed test binaries. go test runs
// packages in parallel and they all truncate the same tables.
package dblock

import (
	"net"
	"os"
	"time"
)

const defaultAddr = "127.0.0.1:45433"

// Acquire blocks until this process holds the lock and returns its release.
func Acquire() func() {
	addr := os.Getenv("CUSTODY_TEST_DBLOCK_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return func() { _ = ln.Close() }
		}
		time.Sleep(50 * time.Millisecond)
	}
}
