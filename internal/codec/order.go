package codec

import (
	"encoding/binary"
	"math"

	"rms/internal/schema"
)

const OrderPayloadSize = 52

// EncodeOrder serializes an order into a fixed-size payload.
func EncodeOrder(dst []byte, order schema.Order) []byte {
	if cap(dst) < OrderPayloadSize {
		dst = make([]byte, OrderPayloadSize)
	} else {
		dst = dst[:OrderPayloadSize]
	}

	binary.LittleEndian.PutUint64(dst[0:8], order.OrderID)
	binary.LittleEndian.PutUint32(dst[8:12], order.AccountID)
	binary.LittleEndian.PutUint32(dst[12:16], order.InstrumentID)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(order.Quantity))
	binary.LittleEndian.PutUint64(dst[24:32], math.Float64bits(order.Price))
	copy(dst[32:48], order.Symbol[:])
	copy(dst[48:52], order.Side[:])

	return dst
}

// DecodeOrder parses a fixed-size order payload.
func DecodeOrder(src []byte) (schema.Order, bool) {
	if len(src) < OrderPayloadSize {
		return schema.Order{}, false
	}
	order := schema.Order{
		OrderID:      binary.LittleEndian.Uint64(src[0:8]),
		AccountID:    binary.LittleEndian.Uint32(src[8:12]),
		InstrumentID: binary.LittleEndian.Uint32(src[12:16]),
		Quantity:     int64(binary.LittleEndian.Uint64(src[16:24])),
		Price:        math.Float64frombits(binary.LittleEndian.Uint64(src[24:32])),
	}
	copy(order.Symbol[:], src[32:48])
	copy(order.Side[:], src[48:52])
	return order, true
}
