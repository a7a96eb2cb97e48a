package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"rms/internal/schema"
)

var (
	ErrClosed         = errors.New("journal: writer closed")
	ErrNotStarted     = errors.New("journal: writer not started")
	ErrAlreadyStarted = errors.New("journal: writer already started")
)

// Writer appends records to rotating segment files from one goroutine.
// Append may be called from any goroutine.
type Writer struct {
	cfg Config
	ch  chan entry
	wg  sync.WaitGroup
	err atomic.Value

	mu      sync.RWMutex
	started bool
	closed  bool

	seg   *segment
	segID uint64
	hdr   [headerSize]byte
	sum   [checksumSize]byte
}

type entry struct {
	header  schema.EventHeader
	payload []byte
}

type segment struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}

// NewWriter validates cfg and creates the journal directory.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create journal dir %s", cfg.Dir)
	}
	return &Writer{cfg: cfg, ch: make(chan entry, cfg.QueueSize)}, nil
}

// Dir returns the journal directory.
func (w *Writer) Dir() string {
	return w.cfg.Dir
}

// Prefix returns the segment file prefix.
func (w *Writer) Prefix() string {
	return w.cfg.FilePrefix
}

// Start launches the writer goroutine.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
	return nil
}

// Append queues one record, waiting while the queue is full. The payload is
// copied.
func (w *Writer) Append(ctx context.Context, header schema.EventHeader, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return ErrPayloadTooLarge
	}
	if err := w.Err(); err != nil {
		return err
	}
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}
	e := entry{header: header, payload: append([]byte(nil), payload...)}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	if !w.started {
		return ErrNotStarted
	}
	select {
	case w.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued records, flushes and syncs the open segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	started := w.started
	w.mu.Unlock()

	if started {
		w.wg.Wait()
	}
	return w.Err()
}

// Err returns the first write error, after which the writer stops.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (w *Writer) setErr(err error) {
	if err != nil && w.err.Load() == nil {
		w.err.Store(err)
		logs.Errorf("journal writer failed, err: %+v", err)
	}
}

func (w *Writer) run() {
	defer w.wg.Done()

	var flushC, syncC <-chan time.Time
	if w.cfg.FlushInterval > 0 {
		t := time.NewTicker(w.cfg.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	if w.cfg.SyncInterval > 0 {
		t := time.NewTicker(w.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}
	defer func() {
		w.setErr(w.closeSegment())
	}()

	for {
		select {
		case e, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.write(e); err != nil {
				w.setErr(err)
				w.discard()
				return
			}
		case <-flushC:
			if w.seg != nil {
				if err := w.seg.buf.Flush(); err != nil {
					w.setErr(err)
					w.discard()
					return
				}
			}
		case <-syncC:
			if w.seg != nil {
				if err := w.seg.buf.Flush(); err == nil {
					err = w.seg.file.Sync()
					w.setErr(err)
				} else {
					w.setErr(err)
				}
			}
		}
	}
}

// discard keeps Append callers from blocking once the writer has failed.
func (w *Writer) discard() {
	go func() {
		for range w.ch {
		}
	}()
}

func (w *Writer) write(e entry) error {
	now := time.Now().UTC()
	size := int64(headerSize + len(e.payload) + checksumSize)
	if w.shouldRotate(now, size) {
		if err := w.closeSegment(); err != nil {
			return err
		}
		if err := w.openSegment(now); err != nil {
			return err
		}
	}

	encodeHeader(w.hdr[:], e.header, len(e.payload))
	binary.LittleEndian.PutUint32(w.sum[:], checksum(w.hdr[:], e.payload))
	if _, err := w.seg.buf.Write(w.hdr[:]); err != nil {
		return err
	}
	if _, err := w.seg.buf.Write(e.payload); err != nil {
		return err
	}
	if _, err := w.seg.buf.Write(w.sum[:]); err != nil {
		return err
	}
	w.seg.size += size
	return nil
}

func (w *Writer) shouldRotate(now time.Time, next int64) bool {
	if w.seg == nil {
		return true
	}
	if w.seg.size > 0 && w.seg.size+next > w.cfg.SegmentMaxBytes {
		return true
	}
	return w.cfg.SegmentMaxDuration > 0 && now.Sub(w.seg.openedAt) >= w.cfg.SegmentMaxDuration
}

func (w *Writer) openSegment(now time.Time) error {
	ts := now.Format("20060102-150405")
	for {
		w.segID++
		name := fmt.Sprintf("%s-%s-%06d%s", w.cfg.FilePrefix, ts, w.segID, segmentSuffix)
		file, err := os.OpenFile(filepath.Join(w.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return errors.Wrapf(err, "open journal segment %s", name)
		}
		w.seg = &segment{file: file, buf: bufio.NewWriterSize(file, w.cfg.BufferSize), openedAt: now}
		return nil
	}
}

func (w *Writer) closeSegment() error {
	seg := w.seg
	if seg == nil {
		return nil
	}
	w.seg = nil
	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Close()
		return err
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}
