package journal

import (
	"time"

	"github.com/yanun0323/errors"

	"rms/pkg/exception"
)

const (
	defaultSegmentMaxBytes int64 = 256 << 20
	defaultQueueSize             = 8192
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "trades"
	segmentSuffix                = ".rmsj"
)

// Config controls the journal writer.
type Config struct {
	Dir                string
	FilePrefix         string
	SegmentMaxBytes    int64
	SegmentMaxDuration time.Duration
	QueueSize          int
	BufferSize         int
	// FlushInterval bounds how long a record may sit in the write buffer.
	FlushInterval time.Duration
	SyncInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return errors.Wrap(exception.ErrInvalidArgument, "journal dir is empty")
	case c.SegmentMaxBytes <= 0:
		return errors.Wrap(exception.ErrInvalidArgument, "journal segment_max_bytes must be > 0")
	case c.QueueSize <= 0:
		return errors.Wrap(exception.ErrInvalidArgument, "journal queue size must be > 0")
	case c.BufferSize <= 0:
		return errors.Wrap(exception.ErrInvalidArgument, "journal buffer size must be > 0")
	case c.FlushInterval < 0 || c.SyncInterval < 0:
		return errors.Wrap(exception.ErrInvalidArgument, "journal intervals must be >= 0")
	}
	return nil
}
