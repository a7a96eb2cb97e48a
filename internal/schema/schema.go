package schema

// SchemaVersion is the current journal record version.
const SchemaVersion uint16 = 1

// MessageType is the one-byte tag that prefixes every wire and ring record.
type MessageType uint8

const (
	MessageUnknown MessageType = iota
	MessageOrder
	MessageTrade
	// MessageDecision only travels on audit rings.
	MessageDecision
)

func (t MessageType) String() string {
	switch t {
	case MessageOrder:
		return "Order"
	case MessageTrade:
		return "TradeExecution"
	case MessageDecision:
		return "OrderDecision"
	default:
		return "Unknown"
	}
}

// Valid reports whether the tag is accepted on the inbound path.
func (t MessageType) Valid() bool {
	return t == MessageOrder || t == MessageTrade
}

// EventType defines the category of a journal record.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventTrade
	EventDecision
)

// EventHeader is the metadata attached to every journal record.
type EventHeader struct {
	Type    EventType
	Version uint16
	Source  uint16
	Flags   uint16
	Seq     uint64
	TsEvent int64
	TsRecv  int64
	TraceID uint64
}

// NewHeader builds a header with the current schema version.
func NewHeader(eventType EventType, source uint16, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Source:  source,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  tsRecv,
	}
}

// Message is the decoded variant carried by a shard ring.
// Exactly one of Order or Trade is meaningful, selected by Type.
type Message struct {
	Type  MessageType
	Order Order
	Trade TradeExecution
}
