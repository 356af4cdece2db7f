//go:build !linux

package tap

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
)

// Open is only implemented on Linux.
func Open(name string) (*os.File, error) {
	return nil, errors.Errorf("TAP interfaces are not supported on %s", runtime.GOOS)
}
