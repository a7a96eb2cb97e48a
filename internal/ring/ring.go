package ring

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"rms/internal/codec"
	"rms/internal/schema"
)

const (
	defaultCapacity       = 1 << 12
	defaultEnqueueTimeout = 50 * time.Microsecond
)

var (
	ErrEnqueueTimeout = errors.New("ring: enqueue timeout")
	ErrRecordTooLarge = errors.New("ring: record too large")
	ErrInvalidRecord  = errors.New("ring: invalid record bounds")
)

// Config controls ring sizing and overflow behavior.
type Config struct {
	Name string
	// Capacity is the number of slots, rounded up to a power of two.
	Capacity int
	// SlotSize is the largest record a slot can hold.
	SlotSize       int
	EnqueueTimeout time.Duration
	OnDrop         func()
	OnMalformed    func()
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	c.Capacity = nextPowerOfTwo(c.Capacity)
	if c.SlotSize <= 0 {
		c.SlotSize = codec.MaxFrameSize
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = defaultEnqueueTimeout
	}
	return c
}

// Ring is a bounded single-producer single-consumer queue of tagged records.
// Exactly one goroutine may enqueue and exactly one may dequeue.
type Ring struct {
	head  uint64
	_pad1 [56]byte
	tail  uint64
	_pad2 [56]byte

	mask     uint64
	slotSize int
	lens     []uint32
	buf      []byte
	dropped  uint64

	name        string
	timeout     time.Duration
	onDrop      func()
	onMalformed func()
}

// New allocates a ring with fixed capacity.
func New(cfg Config) *Ring {
	cfg = cfg.withDefaults()
	return &Ring{
		mask:        uint64(cfg.Capacity - 1),
		slotSize:    cfg.SlotSize,
		lens:        make([]uint32, cfg.Capacity),
		buf:         make([]byte, cfg.Capacity*cfg.SlotSize),
		name:        cfg.Name,
		timeout:     cfg.EnqueueTimeout,
		onDrop:      cfg.OnDrop,
		onMalformed: cfg.OnMalformed,
	}
}

// TryEnqueue copies record into the next free slot without waiting. It
// returns false when the ring is full or the record is empty or larger than a
// slot.
func (r *Ring) TryEnqueue(record []byte) bool {
	if len(record) == 0 || len(record) > r.slotSize {
		return false
	}
	return r.put(record)
}

func (r *Ring) put(record []byte) bool {
	h := atomic.LoadUint64(&r.head)
	t := atomic.LoadUint64(&r.tail)
	if h-t == uint64(len(r.lens)) {
		return false
	}
	idx := h & r.mask
	off := int(idx) * r.slotSize
	n := copy(r.buf[off:off+r.slotSize], record)
	r.lens[idx] = uint32(n)
	atomic.StoreUint64(&r.head, h+1)
	return true
}

// Enqueue writes buf[offset:offset+length]. When the ring is full it retries
// under an idle strategy until the enqueue timeout elapses, then drops the
// record and returns ErrEnqueueTimeout.
func (r *Ring) Enqueue(buf []byte, offset, length int) error {
	if length <= 0 || offset < 0 || offset+length > len(buf) {
		return ErrInvalidRecord
	}
	if length > r.slotSize {
		return ErrRecordTooLarge
	}
	record := buf[offset : offset+length]
	if r.put(record) {
		return nil
	}

	idle := Idler{MaxSpins: 64, MaxYields: 16, MinPark: time.Microsecond, MaxPark: r.timeout, Factor: 2.0}
	deadline := time.Now().Add(r.timeout)
	for time.Now().Before(deadline) {
		idle.Step()
		if r.put(record) {
			return nil
		}
	}

	atomic.AddUint64(&r.dropped, 1)
	logs.Warnf("EnqueueTimeout ring=%s tag=%d len=%d size=%d timeout=%s", r.name, record[0], length, r.Size(), r.timeout)
	if r.onDrop != nil {
		r.onDrop()
	}
	return ErrEnqueueTimeout
}

// Dequeue pops and decodes the next record. It returns false when the ring is
// empty or when the record is malformed; a malformed record is consumed.
func (r *Ring) Dequeue() (schema.Message, bool) {
	t := atomic.LoadUint64(&r.tail)
	h := atomic.LoadUint64(&r.head)
	if t == h {
		return schema.Message{}, false
	}
	idx := t & r.mask
	off := int(idx) * r.slotSize
	msg, err := codec.DecodeMessage(r.buf[off : off+int(r.lens[idx])])
	atomic.StoreUint64(&r.tail, t+1)
	if err != nil {
		logs.Errorf("UnexpectedMessageType ring=%s tag=%d len=%d, err: %+v", r.name, r.buf[off], r.lens[idx], err)
		if r.onMalformed != nil {
			r.onMalformed()
		}
		return schema.Message{}, false
	}
	return msg, true
}

// Poll hands up to limit raw records to fn. The record is only valid during
// the call.
func (r *Ring) Poll(fn func(record []byte), limit int) int {
	t := atomic.LoadUint64(&r.tail)
	h := atomic.LoadUint64(&r.head)
	n := 0
	for t != h && (limit <= 0 || n < limit) {
		idx := t & r.mask
		off := int(idx) * r.slotSize
		fn(r.buf[off : off+int(r.lens[idx])])
		t++
		n++
		atomic.StoreUint64(&r.tail, t)
	}
	return n
}

// Size returns the approximate number of unread records.
func (r *Ring) Size() int {
	t := atomic.LoadUint64(&r.tail)
	h := atomic.LoadUint64(&r.head)
	return int(h - t)
}

// Cap returns the slot count.
func (r *Ring) Cap() int {
	return len(r.lens)
}

// Dropped returns the number of records dropped after the enqueue timeout.
func (r *Ring) Dropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}

// Name returns the configured ring name.
func (r *Ring) Name() string {
	return r.name
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
