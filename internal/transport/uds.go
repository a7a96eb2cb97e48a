package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"

	yerrors "github.com/yanun0323/errors"

	"rms/internal/bus"
	"rms/internal/codec"
	"rms/pkg/exception"
	"rms/pkg/uds"
)

const defaultQueueSize = 1 << 14

// UDSSubscription accepts framed connections on a unix socket and queues
// their fragments for the dispatcher.
type UDSSubscription struct {
	server *uds.Server
	queue  *bus.Queue

	mu     sync.Mutex
	conns  map[uint32]*uds.Conn
	nextID uint32
	closed uint32
	wg     sync.WaitGroup
}

// ListenUDS starts accepting publishers on path.
func ListenUDS(path string, queueSize int) (*UDSSubscription, error) {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	server, err := uds.NewServer(path, codec.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	if err := server.Listen(); err != nil {
		return nil, yerrors.Wrapf(err, "listen %s", path)
	}
	s := &UDSSubscription{
		server: server,
		queue:  bus.NewQueue(queueSize),
		conns:  make(map[uint32]*uds.Conn),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	logs.Infof("inbound subscription listening on %s", path)
	return s, nil
}

func (s *UDSSubscription) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.server.Accept()
		if err != nil {
			if atomic.LoadUint32(&s.closed) == 1 || errors.Is(err, net.ErrClosed) {
				return
			}
			logs.Errorf("accept inbound connection, err: %+v", err)
			continue
		}

		s.mu.Lock()
		if atomic.LoadUint32(&s.closed) == 1 {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.nextID++
		id := s.nextID
		s.conns[id] = conn
		s.wg.Add(1)
		s.mu.Unlock()

		go s.readLoop(id, conn)
	}
}

func (s *UDSSubscription) readLoop(id uint32, conn *uds.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if atomic.LoadUint32(&s.closed) == 0 && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logs.Warnf("inbound connection %d closed, err: %+v", id, err)
			}
			return
		}
		data := make([]byte, len(frame))
		copy(data, frame)
		if err := s.queue.TryPublish(bus.Fragment{Source: id, Data: data}); err != nil {
			if errors.Is(err, bus.ErrQueueClosed) {
				return
			}
			logs.Warnf("inbound fragment dropped conn=%d len=%d, err: %+v", id, len(data), err)
		}
	}
}

// Poll hands up to limit queued fragments to handler.
func (s *UDSSubscription) Poll(handler FragmentHandler, limit int) int {
	return s.queue.Poll(func(f bus.Fragment) { handler(f.Data) }, limit)
}

// Dropped returns the number of fragments refused by a full queue.
func (s *UDSSubscription) Dropped() uint64 {
	return s.queue.Dropped()
}

// Close stops accepting, closes every connection and waits for the readers.
func (s *UDSSubscription) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	err := s.server.Close()
	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.queue.Close()
	return err
}

// UDSPublication sends outbound frames to a unix socket listener. It dials
// lazily and redials after a failed write.
type UDSPublication struct {
	client *uds.Client
	conn   *uds.Conn
	closed bool
}

// DialUDS prepares a publication to path. The first Offer connects.
func DialUDS(path string) (*UDSPublication, error) {
	client, err := uds.NewClient(path, codec.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	return &UDSPublication{client: client}, nil
}

// Offer sends one frame. A failure is returned, never retried.
func (p *UDSPublication) Offer(frame []byte) error {
	if p.closed {
		return exception.ErrTransportClosed
	}
	if p.conn == nil {
		conn, err := p.client.Dial()
		if err != nil {
			return yerrors.Wrapf(exception.ErrNoSubscriber, "dial %s: %v", p.client.Path(), err)
		}
		p.conn = conn
	}
	if err := p.conn.Send(frame); err != nil {
		_ = p.conn.Close()
		p.conn = nil
		return yerrors.Wrapf(exception.ErrPublishFailed, "send to %s: %v", p.client.Path(), err)
	}
	return nil
}

// Close releases the connection.
func (p *UDSPublication) Close() error {
	p.closed = true
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
