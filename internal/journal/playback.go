package journal

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"rms/internal/schema"
	"rms/pkg/exception"
)

// PlaybackConfig controls journal replay.
type PlaybackConfig struct {
	Dir        string
	FilePrefix string
	// Speed paces records by their event time; zero replays as fast as
	// possible.
	Speed          float64
	SkipChecksum   bool
	StopOnTornTail bool
}

// Handler receives one record. Returning an error stops the replay.
type Handler func(header schema.EventHeader, payload []byte) error

// Playback replays journal segments in file order.
type Playback struct {
	cfg   PlaybackConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPlayback validates cfg.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.Dir == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "playback dir is empty")
	}
	if cfg.Speed < 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "playback speed must be >= 0")
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	return &Playback{cfg: cfg, sleep: sleepCtx}, nil
}

// Segments lists the segment files in replay order.
func (p *Playback) Segments() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := p.cfg.FilePrefix + "-"
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		files = append(files, filepath.Join(p.cfg.Dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// Run replays every record. A torn record at the end of a segment, left by a
// crash mid-write, is logged and skipped unless StopOnTornTail is set.
func (p *Playback) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.Wrap(exception.ErrNilInstance, "playback handler")
	}
	files, err := p.Segments()
	if err != nil {
		return err
	}
	var prev int64
	for _, path := range files {
		if err := p.playFile(ctx, path, handler, &prev); err != nil {
			return err
		}
	}
	return nil
}

func (p *Playback) playFile(ctx context.Context, path string, handler Handler, prev *int64) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := NewReader(file, !p.cfg.SkipChecksum)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, payload, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF && !p.cfg.StopOnTornTail {
			logs.Warnf("journal segment %s ends with a torn record, skipped", path)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		if err := p.pace(ctx, header.TsEvent, prev); err != nil {
			return err
		}
		if err := handler(header, payload); err != nil {
			return err
		}
	}
}

func (p *Playback) pace(ctx context.Context, ts int64, prev *int64) error {
	if p.cfg.Speed <= 0 || ts <= 0 {
		return nil
	}
	if *prev > 0 && ts > *prev {
		if err := p.sleep(ctx, time.Duration(float64(ts-*prev)/p.cfg.Speed)); err != nil {
			return err
		}
	}
	*prev = ts
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
