package schema

const (
	DefaultShardCount          = 4
	DefaultInstrumentsPerShard = 1024
	DefaultAccountsPerShard    = 256
)

// InstrumentLimits are per (shard, instrument) pre-trade and margin limits.
type InstrumentLimits struct {
	MaxOrderQty       uint32  `json:"max_order_qty" yaml:"max_order_qty"`
	MaxOrderNotional  float64 `json:"max_order_notional" yaml:"max_order_notional"`
	PriceTolerancePct float64 `json:"price_tolerance_pct" yaml:"price_tolerance_pct"`
	MaxSpreadTicks    float64 `json:"max_spread_ticks" yaml:"max_spread_ticks"`
	InitMarginPct     float64 `json:"init_margin_pct" yaml:"init_margin_pct"`
	MaintMarginPct    float64 `json:"maint_margin_pct" yaml:"maint_margin_pct"`
	MaxDailyPosition  uint32  `json:"max_daily_position" yaml:"max_daily_position"`
	TickSize          float64 `json:"tick_size" yaml:"tick_size"`
}

// DefaultInstrumentLimits returns the limits applied before any reload.
func DefaultInstrumentLimits() InstrumentLimits {
	return InstrumentLimits{
		MaxOrderQty:       100,
		MaxOrderNotional:  1_000_000,
		PriceTolerancePct: 0.02,
		MaxSpreadTicks:    5,
		InitMarginPct:     0.05,
		MaintMarginPct:    0.025,
		MaxDailyPosition:  1000,
		TickSize:          0.01,
	}
}

// AccountLimits are per (shard, account slot) limits.
type AccountLimits struct {
	MaxOrderRatePerSec  uint32  `json:"max_order_rate_per_sec" yaml:"max_order_rate_per_sec"`
	MaxConcurrentOrders uint32  `json:"max_concurrent_orders" yaml:"max_concurrent_orders"`
	MaxLeverage         float64 `json:"max_leverage" yaml:"max_leverage"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	KillSwitch          bool    `json:"kill_switch" yaml:"kill_switch"`
	Collateral          float64 `json:"collateral" yaml:"collateral"`
}

// DefaultAccountLimits returns the limits applied before any reload.
func DefaultAccountLimits() AccountLimits {
	return AccountLimits{
		MaxOrderRatePerSec:  100,
		MaxConcurrentOrders: 100,
		MaxLeverage:         10,
		MaxDrawdownPct:      0.1,
		Collateral:          100_000,
	}
}

// Position is the live state for one instrument within a shard.
type Position struct {
	NetQty        int64   `json:"net_qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	PeakEquity    float64 `json:"peak_equity"`
}

// Equity is realized plus unrealized PnL.
func (p Position) Equity() float64 {
	return p.RealizedPnL + p.UnrealizedPnL
}

// Quote is the latest top of book for an instrument.
type Quote struct {
	Bid float64
	Ask float64
}

// Valid reports whether both sides are present and not crossed.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}
