package protocol

import (
	"encoding/binary"
	"time"
)

// Header is the fixed wire header.
type Header struct {
	Type       Type
	ID         uint64
	Timestamp  int64
	PayloadLen uint32
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.BigEndian.PutUint64(buf[4:12], h.ID)
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.Timestamp))
	binary.BigEndian.PutUint32(buf[20:24], h.PayloadLen)
}

// DecodeHeader reads a header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrNeedMoreData
	}
	return Header{
		Type:       Type(binary.BigEndian.Uint32(b[0:4])),
		ID:         binary.BigEndian.Uint64(b[4:12]),
		Timestamp:  int64(binary.BigEndian.Uint64(b[12:20])),
		PayloadLen: binary.BigEndian.Uint32(b[20:24]),
	}, nil
}

func encodeTimestamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTimestamp(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
