package codec

import (
	"encoding/binary"
	"errors"

	"rms/internal/schema"
)

const (
	TagSize        = 1
	OrderFrameSize = TagSize + OrderPayloadSize
	TradeFrameSize = TagSize + TradePayloadSize
	// MaxFrameSize bounds every record carried by a ring slot.
	MaxFrameSize   = TagSize + DecisionPayloadSize
)

var (
	ErrEmptyFrame            = errors.New("codec: empty frame")
	ErrUnexpectedMessageType = errors.New("codec: unexpected message type")
	ErrTruncatedRecord       = errors.New("codec: truncated record")
)

// EncodeOrderFrame writes [tag][order] into dst.
func EncodeOrderFrame(dst []byte, order schema.Order) []byte {
	if cap(dst) < OrderFrameSize {
		dst = make([]byte, OrderFrameSize)
	} else {
		dst = dst[:OrderFrameSize]
	}
	dst[0] = byte(schema.MessageOrder)
	EncodeOrder(dst[TagSize:TagSize], order)
	return dst
}

// EncodeTradeFrame writes [tag][trade] into dst.
func EncodeTradeFrame(dst []byte, trade schema.TradeExecution) []byte {
	if cap(dst) < TradeFrameSize {
		dst = make([]byte, TradeFrameSize)
	} else {
		dst = dst[:TradeFrameSize]
	}
	dst[0] = byte(schema.MessageTrade)
	EncodeTrade(dst[TagSize:TagSize], trade)
	return dst
}

// DecodeMessage validates the tag before reading the record behind it.
func DecodeMessage(frame []byte) (schema.Message, error) {
	if len(frame) < TagSize {
		return schema.Message{}, ErrEmptyFrame
	}
	msg := schema.Message{Type: schema.MessageType(frame[0])}
	body := frame[TagSize:]
	switch msg.Type {
	case schema.MessageOrder:
		order, ok := DecodeOrder(body)
		if !ok {
			return schema.Message{}, ErrTruncatedRecord
		}
		msg.Order = order
	case schema.MessageTrade:
		trade, ok := DecodeTrade(body)
		if !ok {
			return schema.Message{}, ErrTruncatedRecord
		}
		msg.Trade = trade
	default:
		return schema.Message{}, ErrUnexpectedMessageType
	}
	return msg, nil
}

// PeekType returns the tag without touching the record.
func PeekType(frame []byte) (schema.MessageType, bool) {
	if len(frame) < TagSize {
		return schema.MessageUnknown, false
	}
	return schema.MessageType(frame[0]), true
}

// PeekOrderID reads the order id at its fixed offset. Both record kinds
// share the same leading layout.
func PeekOrderID(frame []byte) (uint64, bool) {
	if len(frame) < TagSize+8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(frame[TagSize : TagSize+8]), true
}

// PeekAccountID reads the account id at its fixed offset.
func PeekAccountID(frame []byte) (uint32, bool) {
	if len(frame) < TagSize+12 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(frame[TagSize+8 : TagSize+12]), true
}
