// Package term reports whether log output goes to an interactive terminal.
package term

import (
	"io"
	"os"
)

// IsTerminalWriter reports whether w is an *os.File that seems to be a
// terminal. Buffers, pipes and regular files are not.
func IsTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
