package recorder

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

func quote(seq uint64) model.Event {
	e := model.QuoteEvent(model.QuoteTick{
		InstrumentID: model.NewInstrumentID("WETH", "USDC", "DEX"),
		Bid:          decimal.NewFromInt(1999),
		Ask:          decimal.NewFromInt(2001),
		TsEvent:      int64(seq) * 1000,
	})
	e.Seq = seq
	return e
}

func startWriter(t *testing.T, cfg Config) *Writer {
	t.Helper()
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(t.Context()))
	return w
}

func replayAll(t *testing.T, dir string) []Header {
	t.Helper()
	var headers []Header
	err := Replay(t.Context(), dir, "", ReaderOptions{}, func(h Header, payload []byte) error {
		var body map[string]any
		require.NoError(t, sonic.Unmarshal(payload, &body))
		assert.Equal(t, h.Kind.String(), body["Kind"])
		headers = append(headers, h)
		return nil
	})
	require.NoError(t, err)
	return headers
}

func TestWriterJournalsEvents(t *testing.T) {
	dir := t.TempDir()
	w := startWriter(t, DefaultConfig(dir))

	require.NoError(t, w.Write(t.Context(), quote(1)))
	status := model.StatusEvent(model.VenueStatus{Status: enum.ConnStatusConnected, TsEvent: 5})
	status.Seq = 2
	require.NoError(t, w.Write(t.Context(), status))
	require.NoError(t, w.Close())

	headers := replayAll(t, dir)
	require.Len(t, headers, 2)
	assert.Equal(t, enum.EventQuote, headers[0].Kind)
	assert.Equal(t, uint64(1), headers[0].Seq)
	assert.Equal(t, int64(1000), headers[0].TsEvent)
	assert.NotZero(t, headers[0].TsRecorded)
	assert.Equal(t, enum.EventVenueStatus, headers[1].Kind)
	assert.Equal(t, uint64(2), headers[1].Seq)

	require.ErrorIs(t, w.Write(t.Context(), quote(3)), exception.ErrRecorderClosed)
}

func TestWriterRotatesSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SegmentMaxBytes = 64
	w := startWriter(t, cfg)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, w.Write(t.Context(), quote(seq)))
	}
	require.NoError(t, w.Close())

	files, err := Segments(dir, "")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	headers := replayAll(t, dir)
	require.Len(t, headers, 3)
	for i, h := range headers {
		assert.Equal(t, uint64(i+1), h.Seq)
	}
}

func TestWriterLifecycle(t *testing.T) {
	w, err := NewWriter(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	require.ErrorIs(t, w.TryAppend(Header{}, nil), exception.ErrRecorderNotStarted)

	require.NoError(t, w.Start(t.Context()))
	require.ErrorIs(t, w.Start(t.Context()), exception.ErrRecorderAlreadyStarted)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestWriterConfigInvalid(t *testing.T) {
	_, err := NewWriter(Config{})
	require.ErrorIs(t, err, exception.ErrConfigInvalid)
	assert.True(t, errs.IsKind(err, errs.KindConfiguration))
}

func TestReaderDetectsDamage(t *testing.T) {
	dir := t.TempDir()
	w := startWriter(t, DefaultConfig(dir))
	require.NoError(t, w.Write(t.Context(), quote(1)))
	require.NoError(t, w.Close())

	files, err := Segments(dir, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	testCases := []struct {
		desc   string
		mutate func([]byte) []byte
		target error
	}{
		{
			desc:   "flipped payload byte",
			mutate: func(b []byte) []byte { b[recordHeaderSize] ^= 0xff; return b },
			target: exception.ErrRecorderChecksumMismatch,
		},
		{
			desc:   "bad magic",
			mutate: func(b []byte) []byte { b[0] = 'X'; return b },
			target: exception.ErrRecorderInvalidMagic,
		},
		{
			desc:   "torn tail",
			mutate: func(b []byte) []byte { return b[:len(b)-2] },
			target: io.ErrUnexpectedEOF,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			damaged := tc.mutate(bytes.Clone(data))
			_, _, err := NewReader(bytes.NewReader(damaged), ReaderOptions{}).Next()
			require.ErrorIs(t, err, tc.target)
		})
	}

	r := NewReader(bytes.NewReader(data), ReaderOptions{MaxPayloadSize: 8})
	_, _, err = r.Next()
	require.ErrorIs(t, err, exception.ErrRecorderPayloadTooLarge)
}
