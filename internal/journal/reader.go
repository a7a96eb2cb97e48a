package journal

import (
	"bufio"
	"encoding/binary"
	"io"

	"rms/internal/schema"
)

// Reader decodes records sequentially from one segment.
type Reader struct {
	r       *bufio.Reader
	verify  bool
	hdr     [headerSize]byte
	payload []byte
}

// NewReader wraps r. When verify is set every record checksum is checked.
func NewReader(r io.Reader, verify bool) *Reader {
	return &Reader{r: bufio.NewReader(r), verify: verify}
}

// Next returns the next record. The payload is only valid until the next
// call. io.EOF marks a clean end; a torn tail returns io.ErrUnexpectedEOF.
func (r *Reader) Next() (schema.EventHeader, []byte, error) {
	n, err := io.ReadFull(r.r, r.hdr[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return schema.EventHeader{}, nil, io.EOF
		}
		return schema.EventHeader{}, nil, io.ErrUnexpectedEOF
	}
	header, size, err := decodeHeader(r.hdr[:])
	if err != nil {
		return header, nil, err
	}
	if size > maxPayloadSize {
		return header, nil, ErrPayloadTooLarge
	}
	if cap(r.payload) < size {
		r.payload = make([]byte, size)
	}
	r.payload = r.payload[:size]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return header, nil, io.ErrUnexpectedEOF
	}

	var sum [checksumSize]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return header, nil, io.ErrUnexpectedEOF
	}
	if r.verify && binary.LittleEndian.Uint32(sum[:]) != checksum(r.hdr[:], r.payload) {
		return header, nil, ErrChecksumMismatch
	}
	return header, r.payload, nil
}
