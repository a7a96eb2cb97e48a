package store

import "rms/internal/schema"

// Snapshot is a detached copy of a partition.
type Snapshot struct {
	ShardID     int
	TradeSeq    uint64
	Positions   map[uint32]schema.Position
	Instruments []schema.InstrumentLimits
	Accounts    []schema.AccountLimits
}

// Snapshot copies the partition. Only the owner may call it.
func (p *Partition) Snapshot() Snapshot {
	positions := make(map[uint32]schema.Position, len(p.positions))
	for id, pos := range p.positions {
		positions[id] = *pos
	}
	instruments := make([]schema.InstrumentLimits, len(p.instruments))
	copy(instruments, p.instruments)
	accounts := make([]schema.AccountLimits, len(p.accounts))
	copy(accounts, p.accounts)
	return Snapshot{
		ShardID:     p.ShardID,
		TradeSeq:    p.TradeSeq,
		Positions:   positions,
		Instruments: instruments,
		Accounts:    accounts,
	}
}

// LoadPositions replaces all positions.
func (p *Partition) LoadPositions(positions map[uint32]schema.Position) {
	for id := range p.positions {
		delete(p.positions, id)
	}
	for id, pos := range positions {
		if !p.HasInstrument(id) {
			continue
		}
		cp := pos
		p.positions[id] = &cp
	}
}

// LoadInstrumentLimits overwrites limits by index; extra entries are ignored.
func (p *Partition) LoadInstrumentLimits(limits []schema.InstrumentLimits) {
	copy(p.instruments, limits)
}

// LoadAccountLimits overwrites account slots by index; extra entries are ignored.
func (p *Partition) LoadAccountLimits(limits []schema.AccountLimits) {
	copy(p.accounts, limits)
}

// Restore replaces the partition contents with a snapshot.
func (p *Partition) Restore(s Snapshot) {
	p.LoadPositions(s.Positions)
	if len(s.Instruments) > 0 {
		p.LoadInstrumentLimits(s.Instruments)
	}
	if len(s.Accounts) > 0 {
		p.LoadAccountLimits(s.Accounts)
	}
	p.TradeSeq = s.TradeSeq
}
