package protocol

import (
	"errors"
	"io"
)

// TryParse parses one message from the front of buf without consuming it.
//
// When buf holds less than a full message the result is ErrNeedMoreData and
// nothing about buf or the caller's state has changed; the caller offers the
// same bytes again once more have arrived. On success the returned count is
// the exact number of bytes the message occupies. A message of unknown type
// is still returned with its length so the caller can skip past it; check
// Message.Valid before dispatching.
func TryParse(buf []byte) (Message, int, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Message{}, 0, err
	}
	if h.PayloadLen > MaxDataSize {
		return Message{}, 0, ErrPayloadTooLarge
	}
	total := HeaderSize + int(h.PayloadLen)
	if len(buf) < total {
		return Message{}, 0, ErrNeedMoreData
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[HeaderSize:total])
	return Message{
		Type:      h.Type,
		ID:        h.ID,
		Timestamp: decodeTimestamp(h.Timestamp),
		Payload:   payload,
	}, total, nil
}

// ReadMessage reads exactly one message from a blocking reader.
func ReadMessage(r io.Reader) (Message, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, ErrTruncated
	}
	h, err := DecodeHeader(head)
	if err != nil {
		return Message{}, err
	}
	if h.PayloadLen > MaxDataSize {
		return Message{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, ErrTruncated
		}
	}
	return Message{
		Type:      h.Type,
		ID:        h.ID,
		Timestamp: decodeTimestamp(h.Timestamp),
		Payload:   payload,
	}, nil
}
