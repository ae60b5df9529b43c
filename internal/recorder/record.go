package recorder

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

// Record layout, little endian:
//
//	magic[4] version u16 headerSize u16 kind u16 reserved u16
//	payloadLen u32 seq u64 tsEvent i64 tsRecorded i64
//	payload[payloadLen] crc32c(header+payload) u32
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 44
	recordChecksumSize        = 4
)

var (
	recordMagic = [4]byte{'D', 'E', 'X', 'J'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

// Header describes one journaled event. The payload is the JSON event.
type Header struct {
	Kind       enum.EventKind
	Seq        uint64
	TsEvent    int64
	TsRecorded int64
}

func encodeHeader(dst []byte, h Header, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(h.Kind))
	binary.LittleEndian.PutUint16(dst[10:12], 0)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[16:24], h.Seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(h.TsEvent))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(h.TsRecorded))
	binary.LittleEndian.PutUint32(dst[40:44], 0)
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

func decodeHeader(src []byte) (Header, uint32, error) {
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return Header{}, 0, exception.ErrRecorderInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return Header{}, 0, exception.ErrRecorderUnsupportedVersion
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != recordHeaderSize {
		return Header{}, 0, exception.ErrRecorderUnsupportedVersion
	}
	h := Header{
		Kind:       enum.EventKind(binary.LittleEndian.Uint16(src[8:10])),
		Seq:        binary.LittleEndian.Uint64(src[16:24]),
		TsEvent:    int64(binary.LittleEndian.Uint64(src[24:32])),
		TsRecorded: int64(binary.LittleEndian.Uint64(src[32:40])),
	}
	return h, binary.LittleEndian.Uint32(src[12:16]), nil
}
