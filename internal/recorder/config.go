package recorder

import (
	"time"

	errs "dexadapter/internal/errors"
	"dexadapter/pkg/exception"
)

const (
	defaultSegmentMaxBytes int64 = 256 << 20
	defaultQueueSize             = 4096
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "events"
	segmentSuffix                = ".journal"
)

var defaultSegmentMaxDuration = time.Hour

// Config controls the event journal.
type Config struct {
	Dir                string
	SegmentMaxBytes    int64
	SegmentMaxDuration time.Duration
	QueueSize          int
	BufferSize         int
	FilePrefix         string
	FlushInterval      time.Duration
	SyncInterval       time.Duration
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		SegmentMaxBytes:    defaultSegmentMaxBytes,
		SegmentMaxDuration: defaultSegmentMaxDuration,
		QueueSize:          defaultQueueSize,
		BufferSize:         defaultBufferSize,
		FilePrefix:         defaultFilePrefix,
		FlushInterval:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return invalidConfig("dir is empty")
	case c.SegmentMaxBytes <= 0:
		return invalidConfig("segmentMaxBytes must be positive")
	case c.QueueSize <= 0:
		return invalidConfig("queueSize must be positive")
	case c.BufferSize <= 0:
		return invalidConfig("bufferSize must be positive")
	case c.FlushInterval < 0 || c.SyncInterval < 0:
		return invalidConfig("intervals must not be negative")
	}
	return nil
}

func invalidConfig(msg string) error {
	return errs.WithKind(errs.KindConfiguration, errs.Wrap(exception.ErrConfigInvalid, "recorder: "+msg))
}
