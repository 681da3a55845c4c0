//go:build windows

package output

import (
	"os"

	"github.com/mattn/go-isatty"
)

// checkIsTerminal checks if the file is a console or a mintty/cygwin pipe.
func checkIsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Windows 10 and later consoles understand ANSI sequences.
func colorsSupported() bool {
	return true
}
