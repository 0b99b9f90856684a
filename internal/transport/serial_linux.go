//go:build linux

package transport

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// baudRate is the fixed line speed the MEGA65 monitor requires: 2,000,000
// baud, 8 data bits, no parity, one stop bit, with line-discipline
// translation disabled (spec §4.1).
const baudRate = 2000000

// serialPort is a POSIX serial device opened via termios, configured for
// raw non-blocking I/O. Ground: golang.org/x/sys/unix is already pulled in
// by the teacher repo (internal/gocore/gocore_test.go); Daedaluz-goserial
// shows the same ioctl-based termios domain with a hand-rolled ioctl
// package this module doesn't otherwise need.
type serialPort struct {
	fd int
}

func openSerialPort(device string) (*serialPort, error) {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", device, err)
	}
	p := &serialPort{fd: fd}
	if err := p.configure(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *serialPort) configure() error {
	t, err := unix.IoctlGetTermios(p.fd, ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("transport: get termios: %w", err)
	}

	// Raw mode: no line discipline translation of any kind.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := setBaudRate(t, baudRate); err != nil {
		return err
	}

	if err := unix.IoctlSetTermios(p.fd, ioctlSetTermios, t); err != nil {
		return fmt.Errorf("transport: set termios: %w", err)
	}
	return nil
}

func (p *serialPort) Write(data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(p.fd, data)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return fmt.Errorf("transport: write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

func (p *serialPort) Read(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, n)
	total := 0
	for total < n {
		ready, err := p.pollReadable(deadline.Sub(time.Now()))
		if err != nil {
			return buf[:total], fmt.Errorf("transport: poll: %w", err)
		}
		if !ready {
			return buf[:total], nil
		}
		got, err := unix.Read(p.fd, buf[total:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return buf[:total], fmt.Errorf("transport: read: %w", err)
		}
		if got == 0 {
			return buf[:total], nil
		}
		total += got
		if time.Now().After(deadline) {
			return buf[:total], nil
		}
	}
	return buf[:total], nil
}

func (p *serialPort) pollReadable(remaining time.Duration) (bool, error) {
	if remaining <= 0 {
		remaining = 0
	}
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(remaining.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func (p *serialPort) Close() error {
	return unix.Close(p.fd)
}
