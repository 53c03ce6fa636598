package rtsp

import (
	"net"
	"time"
)

// RichConn wraps a net.Conn to apply a fresh read/write deadline on every
// call instead of once at accept time, so per-session keepalive
// configuration (spec.md §4.3.8) can be changed without re-dialing.
// Grounded on the teacher's rich-conn.go, unchanged in mechanism.
type RichConn struct {
	net.Conn
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *RichConn) Read(b []byte) (int, error) {
	if c.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	} else {
		_ = c.Conn.SetReadDeadline(time.Time{})
	}
	return c.Conn.Read(b)
}

func (c *RichConn) Write(b []byte) (int, error) {
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	} else {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.Conn.Write(b)
}
