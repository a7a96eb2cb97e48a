package audit

import (
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"

	"rms/internal/persist"
)

// OrderRow is one evaluated order in the SQL audit trail.
type OrderRow struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	ShardID      int    `gorm:"index"`
	OrderID      uint64 `gorm:"index"`
	AccountID    uint32 `gorm:"index"`
	InstrumentID uint32
	Quantity     int64
	Price        float64
	Symbol       string `gorm:"size:16"`
	Side         string `gorm:"size:4"`
	Accepted     bool
	Reason       string `gorm:"size:32"`
	EvaluatedAt  time.Time
}

func (OrderRow) TableName() string { return "rms_order_audit" }

// TradeRow is one applied trade in the SQL audit trail.
type TradeRow struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	ShardID      int    `gorm:"uniqueIndex:idx_trade_shard_seq"`
	Seq          uint64 `gorm:"uniqueIndex:idx_trade_shard_seq"`
	TradeID      uint64 `gorm:"index"`
	OrderID      uint64
	AccountID    uint32 `gorm:"index"`
	InstrumentID uint32
	Quantity     int64
	Price        float64
	Symbol       string `gorm:"size:16"`
	IsBuy        bool
	AppliedAt    time.Time
}

func (TradeRow) TableName() string { return "rms_trade_audit" }

// SQLSink mirrors the audit trail into a SQL database. It buffers rows and
// writes them in batches; only the auditor goroutine uses it.
type SQLSink struct {
	db        *gorm.DB
	batchSize int
	orders    []OrderRow
	trades    []TradeRow
}

// NewSQLSink migrates the audit tables.
func NewSQLSink(db *gorm.DB, batchSize int) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("audit: nil sql handle")
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	if err := db.AutoMigrate(&OrderRow{}, &TradeRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate audit tables")
	}
	return &SQLSink{db: db, batchSize: batchSize}, nil
}

func (s *SQLSink) addOrder(shard int, rec persist.OrderRecord, ts int64) {
	s.orders = append(s.orders, OrderRow{
		ShardID:      shard,
		OrderID:      rec.OrderID,
		AccountID:    rec.AccountID,
		InstrumentID: rec.InstrumentID,
		Quantity:     rec.Quantity,
		Price:        rec.Price,
		Symbol:       rec.Symbol,
		Side:         rec.Side,
		Accepted:     rec.Accepted,
		Reason:       rec.Reason,
		EvaluatedAt:  time.Unix(0, ts).UTC(),
	})
}

func (s *SQLSink) addTrade(shard int, seq uint64, rec persist.TradeRecord, ts int64) {
	s.trades = append(s.trades, TradeRow{
		ShardID:      shard,
		Seq:          seq,
		TradeID:      rec.TradeID,
		OrderID:      rec.OrderID,
		AccountID:    rec.AccountID,
		InstrumentID: rec.InstrumentID,
		Quantity:     rec.Quantity,
		Price:        rec.Price,
		Symbol:       rec.Symbol,
		IsBuy:        rec.IsBuy,
		AppliedAt:    time.Unix(0, ts).UTC(),
	})
}

func (s *SQLSink) pending() int {
	return len(s.orders) + len(s.trades)
}

// flush writes buffered rows in one transaction. Rows are dropped on error so
// a broken database cannot grow the buffer without bound.
func (s *SQLSink) flush() (int, error) {
	n := s.pending()
	if n == 0 {
		return 0, nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if len(s.orders) > 0 {
			if err := tx.CreateInBatches(s.orders, s.batchSize).Error; err != nil {
				return errors.Wrap(err, "insert order audit")
			}
		}
		if len(s.trades) > 0 {
			if err := tx.CreateInBatches(s.trades, s.batchSize).Error; err != nil {
				return errors.Wrap(err, "insert trade audit")
			}
		}
		return nil
	})
	s.orders = s.orders[:0]
	s.trades = s.trades[:0]
	return n, err
}
