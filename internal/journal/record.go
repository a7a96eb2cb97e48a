package journal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/yanun0323/errors"

	"rms/internal/schema"
)

// Record layout, little endian:
//
//	[magic 4][version 2][header size 2][type 2][shard 2][flags 2][schema 2]
//	[payload len 4][seq 8][ts event 8][ts recv 8][trace 8][reserved 4]
//	payload
//	[crc32c 4] over header and payload
const (
	recordVersion  uint16 = 1
	headerSize            = 56
	checksumSize          = 4
	maxPayloadSize        = 1 << 20
)

var (
	recordMagic = [4]byte{'R', 'M', 'S', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic       = errors.New("journal: invalid magic")
	ErrUnsupportedVersion = errors.New("journal: unsupported record version")
	ErrInvalidHeaderSize  = errors.New("journal: invalid header size")
	ErrPayloadTooLarge    = errors.New("journal: payload too large")
	ErrChecksumMismatch   = errors.New("journal: checksum mismatch")
)

func encodeHeader(dst []byte, h schema.EventHeader, payloadLen int) {
	_ = dst[headerSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], headerSize)
	binary.LittleEndian.PutUint16(dst[8:10], uint16(h.Type))
	binary.LittleEndian.PutUint16(dst[10:12], h.Source)
	binary.LittleEndian.PutUint16(dst[12:14], h.Flags)
	binary.LittleEndian.PutUint16(dst[14:16], h.Version)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[20:28], h.Seq)
	binary.LittleEndian.PutUint64(dst[28:36], uint64(h.TsEvent))
	binary.LittleEndian.PutUint64(dst[36:44], uint64(h.TsRecv))
	binary.LittleEndian.PutUint64(dst[44:52], h.TraceID)
	binary.LittleEndian.PutUint32(dst[52:56], 0)
}

func decodeHeader(src []byte) (schema.EventHeader, int, error) {
	if len(src) < headerSize {
		return schema.EventHeader{}, 0, ErrInvalidHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return schema.EventHeader{}, 0, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint16(src[4:6]); v != recordVersion {
		return schema.EventHeader{}, 0, errors.Wrapf(ErrUnsupportedVersion, "version %d", v)
	}
	if n := binary.LittleEndian.Uint16(src[6:8]); n != headerSize {
		return schema.EventHeader{}, 0, ErrInvalidHeaderSize
	}
	h := schema.EventHeader{
		Type:    schema.EventType(binary.LittleEndian.Uint16(src[8:10])),
		Source:  binary.LittleEndian.Uint16(src[10:12]),
		Flags:   binary.LittleEndian.Uint16(src[12:14]),
		Version: binary.LittleEndian.Uint16(src[14:16]),
		Seq:     binary.LittleEndian.Uint64(src[20:28]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[28:36])),
		TsRecv:  int64(binary.LittleEndian.Uint64(src[36:44])),
		TraceID: binary.LittleEndian.Uint64(src[44:52]),
	}
	return h, int(binary.LittleEndian.Uint32(src[16:20])), nil
}

func checksum(header, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}
