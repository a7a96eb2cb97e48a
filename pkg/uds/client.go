package uds

import (
	"net"
	"time"

	"rms/pkg/exception"
)

const unixNetwork = "unix"

// Client dials framed Unix domain socket connections.
type Client struct {
	addr    net.UnixAddr
	maxSize int
}

// NewClient creates a client for the provided socket path. Frames larger than
// maxFrame are refused; zero selects DefaultMaxFrame.
func NewClient(path string, maxFrame int) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Client{addr: net.UnixAddr{Name: path, Net: unixNetwork}, maxSize: maxFrame}, nil
}

// Path returns the configured socket path.
func (c *Client) Path() string {
	if c == nil {
		return ""
	}
	return c.addr.Name
}

// Dial opens a framed connection.
func (c *Client) Dial() (*Conn, error) {
	if c == nil {
		return nil, exception.ErrNilClientUDS
	}
	if c.addr.Name == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	conn, err := net.DialUnix(unixNetwork, nil, &c.addr)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, c.maxSize), nil
}

// DialRetry keeps dialing until it succeeds or the timeout passes.
func (c *Client) DialRetry(timeout, interval time.Duration) (*Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := c.Dial()
		if err == nil {
			return conn, nil
		}
		if time.Now().Add(interval).After(deadline) {
			return nil, err
		}
		time.Sleep(interval)
	}
}
