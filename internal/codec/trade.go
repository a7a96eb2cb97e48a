package codec

import (
	"encoding/binary"
	"math"

	"rms/internal/schema"
)

const TradePayloadSize = 57

// EncodeTrade serializes a trade execution into a fixed-size payload.
func EncodeTrade(dst []byte, trade schema.TradeExecution) []byte {
	if cap(dst) < TradePayloadSize {
		dst = make([]byte, TradePayloadSize)
	} else {
		dst = dst[:TradePayloadSize]
	}

	binary.LittleEndian.PutUint64(dst[0:8], trade.OrderID)
	binary.LittleEndian.PutUint32(dst[8:12], trade.AccountID)
	binary.LittleEndian.PutUint32(dst[12:16], trade.InstrumentID)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(trade.Quantity))
	binary.LittleEndian.PutUint64(dst[24:32], math.Float64bits(trade.Price))
	copy(dst[32:48], trade.Symbol[:])
	binary.LittleEndian.PutUint64(dst[48:56], trade.TradeID)
	dst[56] = 0
	if trade.IsBuy {
		dst[56] = 1
	}

	return dst
}

// DecodeTrade parses a fixed-size trade execution payload.
func DecodeTrade(src []byte) (schema.TradeExecution, bool) {
	if len(src) < TradePayloadSize {
		return schema.TradeExecution{}, false
	}
	trade := schema.TradeExecution{
		OrderID:      binary.LittleEndian.Uint64(src[0:8]),
		AccountID:    binary.LittleEndian.Uint32(src[8:12]),
		InstrumentID: binary.LittleEndian.Uint32(src[12:16]),
		Quantity:     int64(binary.LittleEndian.Uint64(src[16:24])),
		Price:        math.Float64frombits(binary.LittleEndian.Uint64(src[24:32])),
		TradeID:      binary.LittleEndian.Uint64(src[48:56]),
		IsBuy:        src[56] != 0,
	}
	copy(trade.Symbol[:], src[32:48])
	return trade, true
}
