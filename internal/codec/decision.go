package codec

import (
	"encoding/binary"

	"rms/internal/schema"
)

const DecisionPayloadSize = OrderPayloadSize + 9

// EncodeDecision serializes an audited order decision.
func EncodeDecision(dst []byte, rec schema.DecisionRecord) []byte {
	if cap(dst) < DecisionPayloadSize {
		dst = make([]byte, DecisionPayloadSize)
	} else {
		dst = dst[:DecisionPayloadSize]
	}

	EncodeOrder(dst[:0], rec.Order)
	dst[OrderPayloadSize] = byte(rec.Reason)
	binary.LittleEndian.PutUint64(dst[OrderPayloadSize+1:DecisionPayloadSize], uint64(rec.TsEvent))

	return dst
}

// DecodeDecision parses an audited order decision.
func DecodeDecision(src []byte) (schema.DecisionRecord, bool) {
	if len(src) < DecisionPayloadSize {
		return schema.DecisionRecord{}, false
	}
	order, _ := DecodeOrder(src)
	return schema.DecisionRecord{
		Order:   order,
		Reason:  schema.RejectReason(src[OrderPayloadSize]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[OrderPayloadSize+1 : DecisionPayloadSize])),
	}, true
}
