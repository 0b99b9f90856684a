package transport

import (
	"net"
	"time"
)

// unixSocket talks to the Xemu emulator over a UNIX domain socket. Ground:
// golang-debug/ogle/socket/socket.go dials a per-user, per-pid UNIX socket
// path; here the path is supplied directly by the DAP launch request
// instead of being derived from a uid/pid pair, since Xemu picks its own
// socket location.
type unixSocket struct {
	conn net.Conn
}

func dialUnixSocket(path string) (*unixSocket, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return &unixSocket{conn: conn}, nil
}

func (u *unixSocket) Write(p []byte) error {
	for len(p) > 0 {
		n, err := u.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (u *unixSocket) Read(n int, timeout time.Duration) ([]byte, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := u.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return buf[:read], nil
		}
		return buf[:read], err
	}
	return buf[:read], nil
}

func (u *unixSocket) Close() error {
	return u.conn.Close()
}
