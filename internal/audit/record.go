package audit

import (
	"encoding/binary"

	"rms/internal/codec"
	"rms/internal/schema"
)

const (
	tradeMetaSize = 16

	// TradeRecordSize is [tag][seq][ts][trade].
	TradeRecordSize = codec.TagSize + tradeMetaSize + codec.TradePayloadSize
	// DecisionRecordSize is [tag][decision].
	DecisionRecordSize = codec.TagSize + codec.DecisionPayloadSize
	// SlotSize fits every audit record.
	SlotSize = TradeRecordSize
)

// TradeEntry is an applied trade with its per-shard sequence.
type TradeEntry struct {
	Seq     uint64
	TsEvent int64
	Trade   schema.TradeExecution
}

// EncodeTradeRecord writes an applied trade for the audit ring.
func EncodeTradeRecord(dst []byte, entry TradeEntry) []byte {
	if cap(dst) < TradeRecordSize {
		dst = make([]byte, TradeRecordSize)
	} else {
		dst = dst[:TradeRecordSize]
	}
	dst[0] = byte(schema.MessageTrade)
	binary.LittleEndian.PutUint64(dst[1:9], entry.Seq)
	binary.LittleEndian.PutUint64(dst[9:17], uint64(entry.TsEvent))
	codec.EncodeTrade(dst[17:17], entry.Trade)
	return dst
}

// EncodeDecisionRecord writes an evaluated order for the audit ring.
func EncodeDecisionRecord(dst []byte, rec schema.DecisionRecord) []byte {
	if cap(dst) < DecisionRecordSize {
		dst = make([]byte, DecisionRecordSize)
	} else {
		dst = dst[:DecisionRecordSize]
	}
	dst[0] = byte(schema.MessageDecision)
	codec.EncodeDecision(dst[1:1], rec)
	return dst
}

func decodeTradeRecord(src []byte) (TradeEntry, bool) {
	if len(src) < TradeRecordSize || schema.MessageType(src[0]) != schema.MessageTrade {
		return TradeEntry{}, false
	}
	trade, ok := codec.DecodeTrade(src[17:])
	if !ok {
		return TradeEntry{}, false
	}
	return TradeEntry{
		Seq:     binary.LittleEndian.Uint64(src[1:9]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[9:17])),
		Trade:   trade,
	}, true
}

func decodeDecisionRecord(src []byte) (schema.DecisionRecord, bool) {
	if len(src) < DecisionRecordSize || schema.MessageType(src[0]) != schema.MessageDecision {
		return schema.DecisionRecord{}, false
	}
	return codec.DecodeDecision(src[1:])
}
