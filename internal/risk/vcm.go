package risk

import (
	"rms/internal/schema"
	"rms/internal/store"
)

// OnMarketData stores the latest quote and moves the reference price to the
// mid. Only the partition owner may call it.
func OnMarketData(p *store.Partition, instrumentID uint32, bid, ask float64) {
	q := schema.Quote{Bid: bid, Ask: ask}
	p.SetQuote(instrumentID, q)
	if q.Valid() {
		p.SetReferencePrice(instrumentID, (bid+ask)/2)
	}
}

// CheckSpread reports whether the quoted spread, in ticks, is within
// max_spread_ticks. It passes while no valid quote is known.
func CheckSpread(p *store.Partition, order schema.Order) bool {
	lim, ok := p.Instrument(order.InstrumentID)
	if !ok {
		return false
	}
	q := p.Quote(order.InstrumentID)
	if !q.Valid() || lim.TickSize <= 0 {
		return true
	}
	return (q.Ask-q.Bid)/lim.TickSize <= lim.MaxSpreadTicks+1e-9
}

// CheckVolatility is a hook for a volatility interruption model; it always
// passes.
func CheckVolatility(_ *store.Partition, _ schema.Order) bool {
	return true
}
