// Command sqlite-worker serves one SQLite database over newline-delimited
// JSON-RPC on stdin and stdout, or on a loopback socket when started with an
// address.
package main

import (
	"os"

	"github.com/tomyedwab/sqlworker/sqlproxy/worker"
)

func main() {
	os.Exit(worker.Main(os.Args[1:]))
}
