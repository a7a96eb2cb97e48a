package ring

import (
	"runtime"
	"time"
)

// IdleState describes which phase an Idler is in.
type IdleState uint8

const (
	IdleNotIdle IdleState = iota
	IdleSpinning
	IdleYielding
	IdleParking
)

func (s IdleState) String() string {
	switch s {
	case IdleSpinning:
		return "spinning"
	case IdleYielding:
		return "yielding"
	case IdleParking:
		return "parking"
	default:
		return "not-idle"
	}
}

// Idler escalates from busy spinning to yielding the processor to parking
// with an exponentially growing sleep. It is not safe for concurrent use.
type Idler struct {
	MaxSpins  int
	MaxYields int
	MinPark   time.Duration
	MaxPark   time.Duration
	Factor    float64

	state  IdleState
	spins  int
	yields int
	park   time.Duration
}

// DefaultIdler returns the strategy used by shard workers and the dispatcher.
func DefaultIdler() Idler {
	return Idler{
		MaxSpins:  100,
		MaxYields: 20,
		MinPark:   time.Microsecond,
		MaxPark:   time.Millisecond,
		Factor:    2.0,
	}
}

// Idle resets the strategy when work was done, otherwise backs off one step.
func (i *Idler) Idle(workCount int) {
	if workCount > 0 {
		i.Reset()
		return
	}
	i.Step()
}

// Step performs one back-off step.
func (i *Idler) Step() {
	switch i.state {
	case IdleNotIdle:
		i.state = IdleSpinning
		i.spins = 1
	case IdleSpinning:
		i.spins++
		if i.spins > i.MaxSpins {
			i.state = IdleYielding
			i.yields = 0
		}
	case IdleYielding:
		i.yields++
		if i.yields > i.MaxYields {
			i.state = IdleParking
			i.park = i.minPark()
		} else {
			runtime.Gosched()
		}
	case IdleParking:
		time.Sleep(i.park)
		i.park = i.nextPark()
	}
}

// Reset returns the strategy to its busy phase.
func (i *Idler) Reset() {
	i.state = IdleNotIdle
	i.spins = 0
	i.yields = 0
	i.park = 0
}

// State returns the current phase.
func (i *Idler) State() IdleState {
	return i.state
}

func (i *Idler) minPark() time.Duration {
	if i.MinPark <= 0 {
		return time.Microsecond
	}
	return i.MinPark
}

func (i *Idler) nextPark() time.Duration {
	max := i.MaxPark
	if max <= 0 {
		max = time.Millisecond
	}
	factor := i.Factor
	if factor <= 1 {
		factor = 2.0
	}
	next := time.Duration(float64(i.park) * factor)
	if next > max || next <= 0 {
		return max
	}
	return next
}
