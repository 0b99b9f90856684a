//go:build linux

package transport

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

// setBaudRate configures both input and output speed to rate. Linux's
// termios bit layout encodes 2,000,000 baud as the standard B2000000
// constant, so no termios2/custom-divisor path is needed here.
func setBaudRate(t *unix.Termios, rate int) error {
	var speed uint32
	switch rate {
	case 2000000:
		speed = unix.B2000000
	default:
		speed = unix.B2000000
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = uint32(rate)
	t.Ospeed = uint32(rate)
	return nil
}
