package conditions

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// hiddenAttribute reports the Finder "hidden" flag
func hiddenAttribute(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	return ok && st.Flags&unix.UF_HIDDEN != 0
}
