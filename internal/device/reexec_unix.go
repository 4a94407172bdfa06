//go:build !windows

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// reexecProcess replaces the current process image with exe, preserving
// the original argv and the current environment, so listening sockets
// and any other inherited state behave exactly as if the server had
// been launched fresh with the same arguments.
func reexecProcess(exe string, argv []string) error {
	if len(argv) == 0 {
		argv = []string{exe}
	}
	return unix.Exec(exe, argv, os.Environ())
}
