package protocol

import "io"

// Encode returns header bytes followed by payload bytes.
func Encode(msg Message) ([]byte, error) {
	if !msg.Type.Known() {
		return nil, ErrUnknownType
	}
	if len(msg.Payload) > MaxDataSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(msg.Payload))
	putHeader(buf, Header{
		Type:       msg.Type,
		ID:         msg.ID,
		Timestamp:  encodeTimestamp(msg.Timestamp),
		PayloadLen: uint32(len(msg.Payload)),
	})
	copy(buf[HeaderSize:], msg.Payload)
	return buf, nil
}

// WriteMessage encodes msg and writes it to w in a single call.
func WriteMessage(w io.Writer, msg Message) error {
	buf, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
