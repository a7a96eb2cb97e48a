package persist

import (
	"rms/internal/schema"
	"rms/internal/store"
)

// Gateway is the durable store consulted at startup and written off the hot
// path. Implementations must be safe for concurrent use.
type Gateway interface {
	SavePositions(shard int, positions map[uint32]schema.Position) error
	LoadPositions(shard int) (map[uint32]schema.Position, error)
	SaveAccountLimits(shard int, limits []schema.AccountLimits) error
	LoadAccountLimits(shard int, limits []schema.AccountLimits) (int, error)
	SaveInstrumentLimits(shard int, limits []schema.InstrumentLimits) error
	LoadInstrumentLimits(shard int, limits []schema.InstrumentLimits) (int, error)
	SaveShardMeta(shard int, meta ShardMeta) error
	LoadShardMeta(shard int) (ShardMeta, bool, error)
	SaveSnapshot(snap store.Snapshot) error

	LogOrder(order schema.Order, reason schema.RejectReason) error
	LogTrade(trade schema.TradeExecution) error

	CreateCheckpoint(path string) error
	RestoreFromCheckpoint(path string) error
	Close() error
}

// ShardMeta is the per-shard bookkeeping stored next to the positions.
type ShardMeta struct {
	TradeSeq  uint64 `json:"trade_seq"`
	UpdatedAt int64  `json:"updated_at"`
}

// OrderRecord is the audited form of an evaluated order.
type OrderRecord struct {
	OrderID      uint64  `json:"order_id"`
	AccountID    uint32  `json:"account_id"`
	InstrumentID uint32  `json:"instrument_id"`
	Quantity     int64   `json:"quantity"`
	Price        float64 `json:"price"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Accepted     bool    `json:"accepted"`
	Reason       string  `json:"reason"`
}

// TradeRecord is the audited form of an applied trade.
type TradeRecord struct {
	TradeID      uint64  `json:"trade_id"`
	OrderID      uint64  `json:"order_id"`
	AccountID    uint32  `json:"account_id"`
	InstrumentID uint32  `json:"instrument_id"`
	Quantity     int64   `json:"quantity"`
	Price        float64 `json:"price"`
	Symbol       string  `json:"symbol"`
	IsBuy        bool    `json:"is_buy"`
}

// NewOrderRecord converts an order and its decision reason.
func NewOrderRecord(order schema.Order, reason schema.RejectReason) OrderRecord {
	return OrderRecord{
		OrderID:      order.OrderID,
		AccountID:    order.AccountID,
		InstrumentID: order.InstrumentID,
		Quantity:     order.Quantity,
		Price:        order.Price,
		Symbol:       order.Symbol.String(),
		Side:         order.Side.String(),
		Accepted:     reason == schema.ReasonNone,
		Reason:       reason.String(),
	}
}

// NewTradeRecord converts a trade.
func NewTradeRecord(trade schema.TradeExecution) TradeRecord {
	return TradeRecord{
		TradeID:      trade.TradeID,
		OrderID:      trade.OrderID,
		AccountID:    trade.AccountID,
		InstrumentID: trade.InstrumentID,
		Quantity:     trade.Quantity,
		Price:        trade.Price,
		Symbol:       trade.Symbol.String(),
		IsBuy:        trade.IsBuy,
	}
}
