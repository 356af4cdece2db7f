//go:build linux

package tap

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

// Open attaches to the TAP interface called name, creating it if it does not
// exist (which requires CAP_NET_ADMIN). Frames are read and written without
// the packet information header.
func Open(name string) (*os.File, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cloneDevice)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "interface name %q", name)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "TUNSETIFF %s", name)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set nonblocking")
	}
	// Nonblocking lets the runtime poller park readers, so Close unblocks Read.
	return os.NewFile(uintptr(fd), ifr.Name()), nil
}
