package store

import (
	"github.com/yanun0323/errors"

	"rms/internal/schema"
	"rms/pkg/exception"
)

// Partition is the limit and position state of one shard.
// It is owned by exactly one goroutine once the engine runs; nothing here is
// synchronized.
type Partition struct {
	ShardID int

	instruments []schema.InstrumentLimits
	accounts    []schema.AccountLimits
	positions   map[uint32]*schema.Position
	references  []float64
	quotes      []schema.Quote

	// TradeSeq counts trades applied to this partition.
	TradeSeq uint64
}

// Config sizes a partition and supplies the limits it starts with.
type Config struct {
	ShardID             int
	InstrumentsPerShard int
	AccountsPerShard    int
	InstrumentDefaults  schema.InstrumentLimits
	AccountDefaults     schema.AccountLimits
}

// NewPartition allocates fixed-size limit arrays filled with defaults.
func NewPartition(cfg Config) *Partition {
	if cfg.InstrumentsPerShard <= 0 {
		cfg.InstrumentsPerShard = schema.DefaultInstrumentsPerShard
	}
	if cfg.AccountsPerShard <= 0 {
		cfg.AccountsPerShard = schema.DefaultAccountsPerShard
	}
	p := &Partition{
		ShardID:     cfg.ShardID,
		instruments: make([]schema.InstrumentLimits, cfg.InstrumentsPerShard),
		accounts:    make([]schema.AccountLimits, cfg.AccountsPerShard),
		positions:   make(map[uint32]*schema.Position),
		references:  make([]float64, cfg.InstrumentsPerShard),
		quotes:      make([]schema.Quote, cfg.InstrumentsPerShard),
	}
	for i := range p.instruments {
		p.instruments[i] = cfg.InstrumentDefaults
	}
	for i := range p.accounts {
		p.accounts[i] = cfg.AccountDefaults
	}
	return p
}

// InstrumentCount is the fixed instrument capacity.
func (p *Partition) InstrumentCount() int {
	return len(p.instruments)
}

// AccountCount is the fixed number of account slots.
func (p *Partition) AccountCount() int {
	return len(p.accounts)
}

// HasInstrument reports whether id fits the instrument capacity.
func (p *Partition) HasInstrument(id uint32) bool {
	return int(id) < len(p.instruments)
}

// Instrument returns the limits for an instrument id.
func (p *Partition) Instrument(id uint32) (schema.InstrumentLimits, bool) {
	if !p.HasInstrument(id) {
		return schema.InstrumentLimits{}, false
	}
	return p.instruments[id], true
}

// AccountSlot maps an account id onto its slot.
func (p *Partition) AccountSlot(accountID uint32) int {
	return int(accountID % uint32(len(p.accounts)))
}

// Account returns the limits for the slot the account maps to.
func (p *Partition) Account(accountID uint32) schema.AccountLimits {
	return p.accounts[p.AccountSlot(accountID)]
}

// SetInstrumentLimits replaces the limits of one instrument.
func (p *Partition) SetInstrumentLimits(id uint32, lim schema.InstrumentLimits) error {
	if !p.HasInstrument(id) {
		return errors.Wrapf(exception.ErrIndexOutOfRange, "instrument: %d, capacity: %d", id, len(p.instruments))
	}
	p.instruments[id] = lim
	return nil
}

// SetAccountLimits replaces the limits of the slot the account maps to.
func (p *Partition) SetAccountLimits(accountID uint32, lim schema.AccountLimits) {
	p.accounts[p.AccountSlot(accountID)] = lim
}

// Position returns a copy of the position for an instrument.
func (p *Partition) Position(instrumentID uint32) (schema.Position, bool) {
	pos, ok := p.positions[instrumentID]
	if !ok {
		return schema.Position{}, false
	}
	return *pos, true
}

// NetQty returns the current net quantity, 0 if no position exists.
func (p *Partition) NetQty(instrumentID uint32) int64 {
	if pos, ok := p.positions[instrumentID]; ok {
		return pos.NetQty
	}
	return 0
}

// MutablePosition returns the live position, creating it on first use.
func (p *Partition) MutablePosition(instrumentID uint32) *schema.Position {
	pos, ok := p.positions[instrumentID]
	if !ok {
		pos = &schema.Position{}
		p.positions[instrumentID] = pos
	}
	return pos
}

// PositionCount returns the number of instruments with a position.
func (p *Partition) PositionCount() int {
	return len(p.positions)
}

// ReferencePrice returns the last known price for an instrument, 0 if unknown.
func (p *Partition) ReferencePrice(instrumentID uint32) float64 {
	if !p.HasInstrument(instrumentID) {
		return 0
	}
	return p.references[instrumentID]
}

// SetReferencePrice records the last known price for an instrument.
func (p *Partition) SetReferencePrice(instrumentID uint32, price float64) {
	if p.HasInstrument(instrumentID) && price > 0 {
		p.references[instrumentID] = price
	}
}

// Quote returns the latest top of book for an instrument.
func (p *Partition) Quote(instrumentID uint32) schema.Quote {
	if !p.HasInstrument(instrumentID) {
		return schema.Quote{}
	}
	return p.quotes[instrumentID]
}

// SetQuote stores the latest top of book for an instrument.
func (p *Partition) SetQuote(instrumentID uint32, q schema.Quote) {
	if p.HasInstrument(instrumentID) {
		p.quotes[instrumentID] = q
	}
}
