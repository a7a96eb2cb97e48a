package codec

import (
	"testing"

	"rms/internal/schema"
)

func sampleOrder() schema.Order {
	return schema.Order{
		OrderID:      9001,
		AccountID:    77,
		InstrumentID: 12,
		Quantity:     25,
		Price:        101.25,
		Symbol:       schema.NewSymbol("BTC-USD"),
		Side:         schema.SideSell,
	}
}

func sampleTrade() schema.TradeExecution {
	return schema.TradeExecution{
		OrderID:      9001,
		AccountID:    77,
		InstrumentID: 12,
		Quantity:     10,
		Price:        99.5,
		Symbol:       schema.NewSymbol("BTC-USD"),
		IsBuy:        true,
		TradeID:      42,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	orig := sampleOrder()
	encoded := EncodeOrder(nil, orig)
	if len(encoded) != OrderPayloadSize {
		t.Fatalf("order payload size: got %d want %d", len(encoded), OrderPayloadSize)
	}
	decoded, ok := DecodeOrder(encoded)
	if !ok {
		t.Fatalf("decode order failed")
	}
	if decoded != orig {
		t.Fatalf("order round-trip mismatch: got %+v want %+v", decoded, orig)
	}
	if decoded.Side.String() != "SELL" || decoded.Symbol.String() != "BTC-USD" {
		t.Fatalf("fixed-width fields mismatch: side=%q symbol=%q", decoded.Side, decoded.Symbol)
	}
}

func TestTradeRoundTrip(t *testing.T) {
	orig := sampleTrade()
	encoded := EncodeTrade(make([]byte, 0, 128), orig)
	decoded, ok := DecodeTrade(encoded)
	if !ok {
		t.Fatalf("decode trade failed")
	}
	if decoded != orig {
		t.Fatalf("trade round-trip mismatch: got %+v want %+v", decoded, orig)
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	orig := schema.DecisionRecord{Order: sampleOrder(), Reason: schema.ReasonPriceBand, TsEvent: 1700000000123}
	decoded, ok := DecodeDecision(EncodeDecision(nil, orig))
	if !ok {
		t.Fatalf("decode decision failed")
	}
	if decoded != orig {
		t.Fatalf("decision round-trip mismatch: got %+v want %+v", decoded, orig)
	}
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage(EncodeOrderFrame(nil, sampleOrder()))
	if err != nil {
		t.Fatalf("decode order frame: %v", err)
	}
	if msg.Type != schema.MessageOrder || msg.Order != sampleOrder() {
		t.Fatalf("order frame mismatch: %+v", msg)
	}

	msg, err = DecodeMessage(EncodeTradeFrame(nil, sampleTrade()))
	if err != nil {
		t.Fatalf("decode trade frame: %v", err)
	}
	if msg.Type != schema.MessageTrade || msg.Trade != sampleTrade() {
		t.Fatalf("trade frame mismatch: %+v", msg)
	}
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	if _, err := DecodeMessage(nil); err != ErrEmptyFrame {
		t.Fatalf("empty frame: got %v", err)
	}

	frame := EncodeOrderFrame(nil, sampleOrder())
	frame[0] = 9
	if _, err := DecodeMessage(frame); err != ErrUnexpectedMessageType {
		t.Fatalf("unknown tag: got %v", err)
	}

	trade := EncodeTradeFrame(nil, sampleTrade())
	if _, err := DecodeMessage(trade[:TradeFrameSize-1]); err != ErrTruncatedRecord {
		t.Fatalf("truncated trade: got %v", err)
	}
}

func TestPeekRoutingFields(t *testing.T) {
	frame := EncodeTradeFrame(nil, sampleTrade())
	if typ, ok := PeekType(frame); !ok || typ != schema.MessageTrade {
		t.Fatalf("peek type: %v %v", typ, ok)
	}
	if id, ok := PeekOrderID(frame); !ok || id != 9001 {
		t.Fatalf("peek order id: %d %v", id, ok)
	}
	if id, ok := PeekAccountID(frame); !ok || id != 77 {
		t.Fatalf("peek account id: %d %v", id, ok)
	}
	if _, ok := PeekAccountID(frame[:5]); ok {
		t.Fatalf("peek account id on short frame should fail")
	}
}
