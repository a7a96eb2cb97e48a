package uds

import (
	"net"
	"os"

	"rms/pkg/exception"
)

// Server listens for framed Unix domain socket connections.
type Server struct {
	addr    net.UnixAddr
	ln      *net.UnixListener
	maxSize int
}

// NewServer creates a server for the provided socket path.
func NewServer(path string, maxFrame int) (*Server, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Server{addr: net.UnixAddr{Name: path, Net: unixNetwork}, maxSize: maxFrame}, nil
}

// Path returns the configured socket path.
func (s *Server) Path() string {
	if s == nil {
		return ""
	}
	return s.addr.Name
}

// Listen starts listening on the configured socket path.
// It removes an existing socket file when present.
func (s *Server) Listen() error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	if s.addr.Name == "" {
		return exception.ErrEmptyPathUDS
	}
	if s.ln != nil {
		return exception.ErrAlreadyListeningUDS
	}
	if err := RemoveIfExists(s.addr.Name); err != nil {
		return err
	}
	ln, err := net.ListenUnix(unixNetwork, &s.addr)
	if err != nil {
		return err
	}
	ln.SetUnlinkOnClose(true)
	s.ln = ln
	return nil
}

// Accept waits for the next incoming connection.
func (s *Server) Accept() (*Conn, error) {
	if s == nil {
		return nil, exception.ErrNilServerUDS
	}
	if s.ln == nil {
		return nil, exception.ErrNotListeningUDS
	}
	conn, err := s.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return NewConn(conn, s.maxSize), nil
}

// Close stops the listener.
func (s *Server) Close() error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

// RemoveIfExists removes the socket file if it exists.
func RemoveIfExists(path string) error {
	if path == "" {
		return exception.ErrEmptyPathUDS
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return exception.ErrPathNotSocketUDS
	}
	return os.Remove(path)
}
