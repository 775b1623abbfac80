package upgrade

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pledge to the kernel the required syscalls on OpenBSD. File databases need
// write and create access; network drivers need inet and dns.
func Pledge(network bool) error {
	promises := "stdio rpath wpath cpath flock tty"
	if network {
		promises += " inet dns"
	}
	if err := unix.Pledge(promises, ""); err != nil {
		return err
	}
	return nil
}

// Unveil only the paths the upgrade needs, keyed by path with unveil(2)
// permissions as values: "r" for sql files and TLS certs, "rwc" for the
// directory holding a file database.
func Unveil(paths map[string]string) error {
	for p, perm := range paths {
		if err := unix.Unveil(p, perm); err != nil {
			return errors.Wrapf(err, "unveil %s", p)
		}
	}
	if err := unix.UnveilBlock(); err != nil {
		return errors.Wrap(err, "unveil block")
	}
	return nil
}
