package uds

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/yanun0323/errors"

	"rms/pkg/exception"
)

const (
	lengthSize = 4
	// DefaultMaxFrame bounds a single frame.
	DefaultMaxFrame = 1 << 16
)

// Conn carries length-prefixed frames, [len:u32 LE][frame], over a unix
// socket. Reads and writes may run on different goroutines, but each side
// allows a single goroutine.
type Conn struct {
	conn    *net.UnixConn
	r       *bufio.Reader
	w       *bufio.Writer
	maxSize int
	header  [lengthSize]byte
	rbuf    []byte
}

// NewConn wraps conn with frame buffers.
func NewConn(conn *net.UnixConn, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Conn{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		maxSize: maxFrame,
	}
}

// WriteFrame buffers one frame. Call Flush to send it.
func (c *Conn) WriteFrame(frame []byte) error {
	if len(frame) > c.maxSize {
		return errors.Wrapf(exception.ErrFrameTooLargeUDS, "frame %d > %d", len(frame), c.maxSize)
	}
	var hdr [lengthSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.w.Write(frame)
	return err
}

// Flush sends buffered frames.
func (c *Conn) Flush() error {
	return c.w.Flush()
}

// Send writes and flushes one frame.
func (c *Conn) Send(frame []byte) error {
	if err := c.WriteFrame(frame); err != nil {
		return err
	}
	return c.Flush()
}

// ReadFrame blocks for the next frame. The returned slice is reused by the
// following call.
func (c *Conn) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(c.r, c.header[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(c.header[:]))
	if n > c.maxSize {
		return nil, errors.Wrapf(exception.ErrFrameTooLargeUDS, "frame %d > %d", n, c.maxSize)
	}
	if cap(c.rbuf) < n {
		c.rbuf = make([]byte, n)
	}
	c.rbuf = c.rbuf[:n]
	if _, err := io.ReadFull(c.r, c.rbuf); err != nil {
		return nil, err
	}
	return c.rbuf, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
