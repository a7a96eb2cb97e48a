package chaos

import (
	"math/rand"
	"time"

	"github.com/yanun0323/errors"

	"rms/pkg/exception"
)

// corruptTag is outside every known message type.
const corruptTag = 0xEE

// Config controls fault injection on a frame stream.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	CorruptRate   float64
	ReorderWindow int
}

// Stats counts what the injector did.
type Stats struct {
	Seen       uint64
	Dropped    uint64
	Duplicated uint64
	Corrupted  uint64
}

// Injector perturbs inbound frames the way a lossy feed would: frames get
// dropped, duplicated, shuffled within a window or have their tag mangled.
type Injector struct {
	cfg     Config
	rng     *rand.Rand
	pending [][]byte
	stats   Stats
}

// New creates an injector with validation.
func New(cfg Config) (*Injector, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Injector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	for name, rate := range map[string]float64{"drop": c.DropRate, "duplicate": c.DuplicateRate, "corrupt": c.CorruptRate} {
		if rate < 0 || rate > 1 {
			return errors.Wrapf(exception.ErrInvalidArgument, "%s rate must be between 0 and 1", name)
		}
	}
	if c.ReorderWindow <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "reorder window must be >= 1")
	}
	return nil
}

// Seed returns the seed in use, for reproducing a run.
func (i *Injector) Seed() int64 {
	return i.cfg.Seed
}

// Process takes one frame and returns the frames to send now. The input is
// copied.
func (i *Injector) Process(frame []byte) [][]byte {
	if i == nil {
		return [][]byte{frame}
	}
	i.stats.Seen++
	if i.cfg.DropRate > 0 && i.rng.Float64() < i.cfg.DropRate {
		i.stats.Dropped++
		return nil
	}
	f := append([]byte(nil), frame...)
	if len(f) > 0 && i.cfg.CorruptRate > 0 && i.rng.Float64() < i.cfg.CorruptRate {
		f[0] = corruptTag
		i.stats.Corrupted++
	}
	if i.cfg.ReorderWindow <= 1 {
		return i.duplicate(f)
	}
	i.pending = append(i.pending, f)
	if len(i.pending) < i.cfg.ReorderWindow {
		return nil
	}
	return i.duplicate(i.take())
}

// Flush returns any buffered frames after the stream ends.
func (i *Injector) Flush() [][]byte {
	if i == nil || len(i.pending) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(i.pending))
	for len(i.pending) > 0 {
		out = append(out, i.duplicate(i.take())...)
	}
	return out
}

// Stats returns the counters.
func (i *Injector) Stats() Stats {
	if i == nil {
		return Stats{}
	}
	return i.stats
}

func (i *Injector) take() []byte {
	idx := i.rng.Intn(len(i.pending))
	f := i.pending[idx]
	i.pending = append(i.pending[:idx], i.pending[idx+1:]...)
	return f
}

func (i *Injector) duplicate(f []byte) [][]byte {
	out := [][]byte{f}
	if i.cfg.DuplicateRate > 0 && i.rng.Float64() < i.cfg.DuplicateRate {
		out = append(out, f)
		i.stats.Duplicated++
	}
	return out
}
