// Package recorder journals adapter events to append-only segment files so
// a session can be audited or replayed later.
package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/pkg/exception"
)

const maxPayloadLen = uint64(^uint32(0))

// Writer appends events to journal segments from a buffered queue. It
// satisfies sink.Sink.
type Writer struct {
	cfg Config
	ch  chan recordRequest
	wg  sync.WaitGroup
	err atomic.Value
	now func() time.Time

	started atomic.Bool
	closed  atomic.Bool
}

func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errs.Wrap(err, "create journal dir")
	}
	return &Writer{
		cfg: cfg,
		ch:  make(chan recordRequest, cfg.QueueSize),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start runs the writer loop. Cancelling ctx drains what is queued and
// stops the loop.
func (w *Writer) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return exception.ErrRecorderAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops accepting events, flushes and syncs the open segment.
func (w *Writer) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		close(w.ch)
	}
	w.wg.Wait()
	return w.Err()
}

// Err returns the first error the loop hit. The writer stops on it.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Write encodes e and queues it without blocking.
func (w *Writer) Write(_ context.Context, e model.Event) error {
	payload, err := sonic.Marshal(e)
	if err != nil {
		return errs.Wrap(err, "encode event")
	}
	return w.TryAppend(Header{Kind: e.Kind, Seq: e.Seq, TsEvent: e.TsEvent}, payload)
}

// TryAppend queues a raw record. payload must not be modified afterwards.
func (w *Writer) TryAppend(h Header, payload []byte) error {
	if w.closed.Load() {
		return exception.ErrRecorderClosed
	}
	if !w.started.Load() {
		return exception.ErrRecorderNotStarted
	}
	if err := w.Err(); err != nil {
		return err
	}
	if uint64(len(payload)) > maxPayloadLen {
		return exception.ErrRecorderPayloadTooLarge
	}

	select {
	case w.ch <- recordRequest{header: h, payload: payload}:
		return nil
	default:
		return exception.ErrRecorderQueueFull
	}
}

func (w *Writer) run(ctx context.Context) {
	var (
		seg         *segmentWriter
		segID       uint64
		headerBuf   = make([]byte, recordHeaderSize)
		checksumBuf [recordChecksumSize]byte
		flushC      <-chan time.Time
		syncC       <-chan time.Time
	)

	if w.cfg.FlushInterval > 0 {
		t := time.NewTicker(w.cfg.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	if w.cfg.SyncInterval > 0 {
		t := time.NewTicker(w.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}

	defer func() {
		if err := closeSegment(seg); err != nil {
			w.setErr(err)
		}
		logs.Infof("journal closed, segments: %d", segID)
	}()

	write := func(req recordRequest) bool {
		if err := w.writeRecord(&seg, &segID, headerBuf, &checksumBuf, req); err != nil {
			logs.Errorf("write journal record %d, err: %+v", req.header.Seq, err)
			w.setErr(err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case req, ok := <-w.ch:
					if !ok || !write(req) {
						return
					}
				default:
					return
				}
			}
		case req, ok := <-w.ch:
			if !ok || !write(req) {
				return
			}
		case <-flushC:
			if seg != nil {
				if err := seg.buf.Flush(); err != nil {
					w.setErr(err)
					return
				}
			}
		case <-syncC:
			if err := syncSegment(seg); err != nil {
				w.setErr(err)
				return
			}
		}
	}
}

func (w *Writer) writeRecord(seg **segmentWriter, segID *uint64, headerBuf []byte, checksumBuf *[recordChecksumSize]byte, req recordRequest) error {
	now := w.now()
	req.header.TsRecorded = now.UnixNano()
	size := int64(recordHeaderSize + len(req.payload) + recordChecksumSize)
	if w.shouldRotate(*seg, now, size) {
		if err := closeSegment(*seg); err != nil {
			return err
		}
		opened, err := w.openSegment(segID, now)
		if err != nil {
			return err
		}
		*seg = opened
	}

	encodeHeader(headerBuf, req.header, len(req.payload))
	binary.LittleEndian.PutUint32(checksumBuf[:], checksum(headerBuf, req.payload))

	buf := (*seg).buf
	if _, err := buf.Write(headerBuf); err != nil {
		return err
	}
	if _, err := buf.Write(req.payload); err != nil {
		return err
	}
	if _, err := buf.Write(checksumBuf[:]); err != nil {
		return err
	}
	(*seg).size += size
	return nil
}

// shouldRotate never rotates an empty segment, so one oversized record
// still lands somewhere.
func (w *Writer) shouldRotate(seg *segmentWriter, now time.Time, nextSize int64) bool {
	if seg == nil {
		return true
	}
	if seg.size == 0 {
		return false
	}
	if seg.size+nextSize > w.cfg.SegmentMaxBytes {
		return true
	}
	return w.cfg.SegmentMaxDuration > 0 && now.Sub(seg.openedAt) >= w.cfg.SegmentMaxDuration
}

func (w *Writer) openSegment(segID *uint64, now time.Time) (*segmentWriter, error) {
	ts := now.Format("20060102-150405")
	for {
		*segID++
		name := fmt.Sprintf("%s-%s-%06d%s", w.cfg.FilePrefix, ts, *segID, segmentSuffix)
		file, err := os.OpenFile(filepath.Join(w.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return nil, errs.Wrap(err, "open journal segment")
		}
		return &segmentWriter{
			file:     file,
			buf:      bufio.NewWriterSize(file, w.cfg.BufferSize),
			openedAt: now,
		}, nil
	}
}

func syncSegment(seg *segmentWriter) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		return err
	}
	return seg.file.Sync()
}

func closeSegment(seg *segmentWriter) error {
	if seg == nil {
		return nil
	}
	if err := syncSegment(seg); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}

func (w *Writer) setErr(err error) {
	if err != nil && w.err.Load() == nil {
		w.err.Store(err)
	}
}

type recordRequest struct {
	header  Header
	payload []byte
}

type segmentWriter struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}
