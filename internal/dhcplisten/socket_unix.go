//go:build darwin || freebsd || linux || openbsd

package dhcplisten

import (
	"fmt"
	"os"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// controlReusableBroadcast is set as [net.ListenConfig.Control] for every
// listener socket: DHCP servers must rebind :67 across multiple listen
// addresses and must be able to send to the limited broadcast address.
func controlReusableBroadcast(_, _ string, c syscall.RawConn) (err error) {
	var errs []error

	cerr := c.Control(func(fd uintptr) {
		errs = append(errs, setsockopt(fd, unix.SO_REUSEADDR))
		errs = append(errs, setsockopt(fd, unix.SO_REUSEPORT))
		errs = append(errs, setsockopt(fd, unix.SO_BROADCAST))
	})
	if cerr != nil {
		errs = append(errs, cerr)
	}

	return errors.Join(errs...)
}

// setsockopt sets boolean socket option opt on fd, wrapped as a
// [os.SyscallError] for consistency with the rest of the control function.
func setsockopt(fd uintptr, opt int) (err error) {
	err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1)
	if err != nil {
		return fmt.Errorf("setsockopt %d: %w", opt, os.NewSyscallError("setsockopt", err))
	}

	return nil
}
