package server

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
)

var errFrameTooLarge = errors.New("server: framed message exceeds read buffer")
var errNotAFrame = errors.New("server: not a STUN message or channel data frame")

// streamConn adapts a stream-oriented net.Conn (TCP) to the net.PacketConn
// interface the worker pool expects, framing exactly one STUN message or
// ChannelData packet per ReadFrom. TURN-over-TCP relaying is out of scope:
// TCP here is only ever a transport for the STUN/TURN control channel
// itself, demultiplexed by the same first-byte check used for UDP.
type streamConn struct {
	net.Conn
	r *bufio.Reader
}

func newStreamConn(c net.Conn) *streamConn {
	return &streamConn{Conn: c, r: bufio.NewReaderSize(c, 4096)}
}

// ReadFrom blocks for exactly one framed message and copies it into buf.
func (c *streamConn) ReadFrom(buf []byte) (int, net.Addr, error) {
	n, err := c.readFrame(buf)
	return n, c.Conn.RemoteAddr(), err
}

// WriteTo ignores the address argument: a streamConn only ever talks to the
// peer it is connected to.
func (c *streamConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.Conn.Write(b)
}

func (c *streamConn) readFrame(buf []byte) (int, error) {
	head, err := c.r.Peek(4)
	if err != nil {
		return 0, err
	}
	length := int(binary.BigEndian.Uint16(head[2:4]))
	var total int
	switch head[0] & 0xC0 {
	case 0x00:
		total = 20 + length
	case 0x40:
		total = 4 + length
		if pad := length % 4; pad != 0 {
			total += 4 - pad
		}
	default:
		return 0, errNotAFrame
	}
	if total > len(buf) {
		return 0, errFrameTooLarge
	}
	if _, err := io.ReadFull(c.r, buf[:total]); err != nil {
		return 0, err
	}
	return total, nil
}
