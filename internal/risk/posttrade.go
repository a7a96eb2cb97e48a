package risk

import (
	"errors"
	"math"

	"rms/internal/schema"
	"rms/internal/store"
)

var (
	ErrInvalidTrade      = errors.New("risk: invalid trade")
	ErrUnknownInstrument = errors.New("risk: instrument out of range")
)

// Result is the state left behind by one applied trade.
type Result struct {
	Position       schema.Position
	Equity         float64
	Drawdown       float64
	RequiredMargin float64
	Signals        schema.Signal
}

// OnTrade is the only mutator of a position. Malformed trades return an error
// and leave the partition untouched.
//
// A trade larger than the open quantity on the other side is not split: the
// closed part realizes PnL, the net quantity flips, and the average entry
// price of the remainder stays at the old entry.
func OnTrade(p *store.Partition, trade schema.TradeExecution) (Result, error) {
	if !trade.Validate() {
		return Result{}, ErrInvalidTrade
	}
	lim, ok := p.Instrument(trade.InstrumentID)
	if !ok {
		return Result{}, ErrUnknownInstrument
	}

	pos := p.MutablePosition(trade.InstrumentID)
	signed := trade.SignedQty()

	if (pos.NetQty > 0 && signed < 0) || (pos.NetQty < 0 && signed > 0) {
		closeQty := minInt64(absInt64(pos.NetQty), absInt64(signed))
		var pnl float64
		if pos.NetQty > 0 {
			pnl = (trade.Price - pos.AvgEntryPrice) * float64(closeQty)
		} else {
			pnl = (pos.AvgEntryPrice - trade.Price) * float64(closeQty)
		}
		pos.RealizedPnL += pnl
		pos.NetQty += signed
		if pos.NetQty == 0 {
			pos.AvgEntryPrice = 0
		}
	} else {
		newQty := pos.NetQty + signed
		if newQty != 0 {
			pos.AvgEntryPrice = (pos.AvgEntryPrice*float64(pos.NetQty) + trade.Price*float64(signed)) / float64(newQty)
		}
		pos.NetQty = newQty
	}

	// mark at the trade price until a mark feed exists
	mark := trade.Price
	pos.UnrealizedPnL = (mark - pos.AvgEntryPrice) * float64(pos.NetQty)
	equity := pos.RealizedPnL + pos.UnrealizedPnL
	pos.PeakEquity = math.Max(pos.PeakEquity, equity)
	p.SetReferencePrice(trade.InstrumentID, trade.Price)

	res := Result{
		Position: *pos,
		Equity:   equity,
		Signals:  schema.SignalNone,
	}

	acct := p.Account(trade.AccountID)
	res.RequiredMargin = float64(absInt64(pos.NetQty)) * mark * lim.MaintMarginPct
	if pos.NetQty != 0 && acct.Collateral+equity < res.RequiredMargin {
		res.Signals |= schema.SignalMarginCall
	}

	if pos.PeakEquity > 0 {
		res.Drawdown = (pos.PeakEquity - equity) / pos.PeakEquity
		if res.Drawdown > acct.MaxDrawdownPct {
			res.Signals |= schema.SignalDrawdownBreach
		}
	}
	return res, nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
