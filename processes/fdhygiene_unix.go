//go:build unix

package processes

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// markCloseOnExec sets FD_CLOEXEC on every descriptor above stderr. The
// runtime opens its own descriptors that way, but descriptors inherited by the
// host or created outside the runtime (cgo, raw syscalls) would otherwise be
// duplicated into every worker.
func markCloseOnExec() error {
	entries, err := os.ReadDir("/dev/fd")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil || fd <= 2 {
			continue
		}
		unix.CloseOnExec(fd)
	}
	return nil
}
