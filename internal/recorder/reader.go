package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	errs "dexadapter/internal/errors"
	"dexadapter/pkg/exception"
)

type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader decodes journal records sequentially.
type Reader struct {
	r         *bufio.Reader
	opts      ReaderOptions
	headerBuf []byte
	payload   []byte
}

func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		opts:      opts,
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Next returns the next record. The payload is only valid until the next
// call. A clean end of input is io.EOF; a torn tail is io.ErrUnexpectedEOF.
func (r *Reader) Next() (Header, []byte, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return Header{}, nil, io.EOF
		}
		return Header{}, nil, err
	}

	header, payloadLen, err := decodeHeader(r.headerBuf)
	if err != nil {
		return Header{}, nil, err
	}
	if r.opts.MaxPayloadSize > 0 && payloadLen > uint32(r.opts.MaxPayloadSize) {
		return header, nil, exception.ErrRecorderPayloadTooLarge
	}

	if cap(r.payload) < int(payloadLen) {
		r.payload = make([]byte, payloadLen)
	}
	r.payload = r.payload[:payloadLen]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return header, nil, unexpected(err)
	}

	var sum [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return header, nil, unexpected(err)
	}
	if !r.opts.DisableChecksum && binary.LittleEndian.Uint32(sum[:]) != checksum(r.headerBuf, r.payload) {
		return header, nil, exception.ErrRecorderChecksumMismatch
	}
	return header, r.payload, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Segments lists the journal files in dir written with prefix, oldest
// first.
func Segments(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = defaultFilePrefix
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(err, "read journal dir")
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// Replay feeds every record in dir to handler in write order. It stops at
// the first error from a segment or from handler.
func Replay(ctx context.Context, dir, prefix string, opts ReaderOptions, handler func(Header, []byte) error) error {
	files, err := Segments(dir, prefix)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := replayFile(ctx, path, opts, handler); err != nil {
			return errs.Wrap(err, filepath.Base(path))
		}
	}
	return nil
}

func replayFile(ctx context.Context, path string, opts ReaderOptions, handler func(Header, []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := NewReader(file, opts)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, payload, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := handler(h, payload); err != nil {
			return err
		}
	}
}
