package schema

import (
	"bytes"
	"math"
)

// Symbol is a fixed-width, zero padded instrument symbol.
type Symbol [16]byte

// NewSymbol truncates s to fit the fixed width.
func NewSymbol(s string) Symbol {
	var sym Symbol
	copy(sym[:len(sym)-1], s)
	return sym
}

func (s Symbol) String() string {
	if i := bytes.IndexByte(s[:], 0); i >= 0 {
		return string(s[:i])
	}
	return string(s[:])
}

// Side is the fixed-width order side, "BUY" or "SELL".
type Side [4]byte

var (
	SideBuy  = Side{'B', 'U', 'Y', 0}
	SideSell = Side{'S', 'E', 'L', 'L'}
)

func (s Side) String() string {
	if i := bytes.IndexByte(s[:], 0); i >= 0 {
		return string(s[:i])
	}
	return string(s[:])
}

// SideFromString maps "BUY"/"SELL"; anything else yields the zero side.
func SideFromString(v string) Side {
	switch v {
	case "BUY", "buy":
		return SideBuy
	case "SELL", "sell":
		return SideSell
	default:
		return Side{}
	}
}

// Order is an inbound order awaiting pre-trade checks.
type Order struct {
	OrderID      uint64
	AccountID    uint32
	InstrumentID uint32
	Quantity     int64
	Price        float64
	Symbol       Symbol
	Side         Side
}

// SignedQty returns the quantity signed by side. Orders without a recognised
// side carry their quantity as given.
func (o Order) SignedQty() int64 {
	switch o.Side {
	case SideBuy:
		return absInt64(o.Quantity)
	case SideSell:
		return -absInt64(o.Quantity)
	default:
		return o.Quantity
	}
}

// Notional returns |quantity| * price.
func (o Order) Notional() float64 {
	return float64(absInt64(o.Quantity)) * o.Price
}

// TradeExecution is a confirmed fill that drives one position mutation.
type TradeExecution struct {
	OrderID      uint64
	AccountID    uint32
	InstrumentID uint32
	Quantity     int64
	Price        float64
	Symbol       Symbol
	IsBuy        bool
	TradeID      uint64
}

// SignedQty returns +quantity for buys and -quantity for sells.
func (t TradeExecution) SignedQty() int64 {
	if t.IsBuy {
		return t.Quantity
	}
	return -t.Quantity
}

// Validate reports whether the trade can be applied to a position.
func (t TradeExecution) Validate() bool {
	if t.Quantity <= 0 {
		return false
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return false
	}
	return true
}

// RejectReason is the reason code attached to a pre-trade decision.
type RejectReason uint8

const (
	ReasonNone RejectReason = iota
	ReasonInvalidOrder
	ReasonKillSwitch
	ReasonRateLimited
	ReasonMaxQty
	ReasonMaxNotional
	ReasonPriceBand
	ReasonSpreadTooWide
	ReasonPositionLimit

	ReasonCount
)

func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonInvalidOrder:
		return "InvalidOrder"
	case ReasonKillSwitch:
		return "KillSwitchEngaged"
	case ReasonRateLimited:
		return "RateLimited"
	case ReasonMaxQty:
		return "MaxQtyExceeded"
	case ReasonMaxNotional:
		return "MaxNotionalExceeded"
	case ReasonPriceBand:
		return "PriceBandViolation"
	case ReasonSpreadTooWide:
		return "SpreadTooWide"
	case ReasonPositionLimit:
		return "PositionLimitExceeded"
	default:
		return "Unknown"
	}
}

// Decision is the outcome of running pre-trade checks on an order.
type Decision struct {
	OrderID      uint64
	AccountID    uint32
	InstrumentID uint32
	Accepted     bool
	Reason       RejectReason
	Quantity     int64
	Price        float64
	Reference    float64
	CurrentPos   int64
}

// DecisionRecord is the audit payload for an evaluated order.
type DecisionRecord struct {
	Order   Order
	Reason  RejectReason
	TsEvent int64
}

// Signal is a bit set of post-trade alerts. Signals are detect-only.
type Signal uint8

const (
	SignalMarginCall Signal = 1 << iota
	SignalDrawdownBreach
)

// SignalNone is the empty signal set.
const SignalNone Signal = 0

// Has reports whether every bit of s2 is set.
func (s Signal) Has(s2 Signal) bool {
	return s&s2 == s2
}

func (s Signal) String() string {
	switch {
	case s == SignalNone:
		return "None"
	case s == SignalMarginCall:
		return "MarginCall"
	case s == SignalDrawdownBreach:
		return "DrawdownBreach"
	case s == SignalMarginCall|SignalDrawdownBreach:
		return "MarginCall|DrawdownBreach"
	default:
		return "Unknown"
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
