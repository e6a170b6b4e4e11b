package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	imageHeaderLen = 8
	fixationLen    = 12
	ackLen         = 16
)

func NewAck(id uint64, at time.Time, acked Message) Message {
	buf := make([]byte, ackLen)
	binary.BigEndian.PutUint64(buf[0:8], acked.ID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(encodeTimestamp(acked.Timestamp)))
	return Message{Type: TypeAck, ID: id, Timestamp: at, Payload: buf}
}

func NewKeepAlive(id uint64, at time.Time) Message {
	return Message{Type: TypeKeepAlive, ID: id, Timestamp: at}
}

func NewHandshake(id uint64, at time.Time, token string) Message {
	return Message{Type: TypeHandshake, ID: id, Timestamp: at, Payload: []byte(token)}
}

func NewStreamCommand(id uint64, at time.Time, state bool) Message {
	return Message{Type: TypeStreamCommand, ID: id, Timestamp: at, Payload: EncodeBool(state)}
}

func NewFoveateCommand(id uint64, at time.Time, state bool) Message {
	return Message{Type: TypeFoveateCommand, ID: id, Timestamp: at, Payload: EncodeBool(state)}
}

func NewDisconnectCommand(id uint64, at time.Time) Message {
	return Message{Type: TypeDisconnectCommand, ID: id, Timestamp: at}
}

func NewIcon(id uint64, at time.Time, icon Image) Message {
	return Message{Type: TypeIcon, ID: id, Timestamp: at, Payload: EncodeImage(icon)}
}

func NewFrame(id uint64, at time.Time, frame Image) Message {
	return Message{Type: TypeFrame, ID: id, Timestamp: at, Payload: EncodeImage(frame)}
}

func NewFixation(id uint64, at time.Time, f Fixation) Message {
	return Message{Type: TypeFixation, ID: id, Timestamp: at, Payload: EncodeFixation(f)}
}

func NewText(id uint64, at time.Time, text []byte) Message {
	buf := make([]byte, len(text))
	copy(buf, text)
	return Message{Type: TypeText, ID: id, Timestamp: at, Payload: buf}
}

// EncodeBool is the one-byte command payload.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func DecodeBool(payload []byte) (bool, error) {
	if len(payload) != 1 {
		return false, ErrInvalidLength
	}
	switch payload[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

// EncodeImage prepends width and height as signed 32-bit values.
func EncodeImage(img Image) []byte {
	buf := make([]byte, imageHeaderLen+len(img.Pix))
	binary.BigEndian.PutUint32(buf[0:4], uint32(img.Width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(img.Height))
	copy(buf[imageHeaderLen:], img.Pix)
	return buf
}

func DecodeImage(payload []byte) (Image, error) {
	if len(payload) < imageHeaderLen {
		return Image{}, ErrTruncated
	}
	img := Image{
		Width:  int32(binary.BigEndian.Uint32(payload[0:4])),
		Height: int32(binary.BigEndian.Uint32(payload[4:8])),
	}
	if img.Width < 0 || img.Height < 0 {
		return Image{}, fmt.Errorf("%w: negative dimensions %dx%d", ErrInvalidImage, img.Width, img.Height)
	}
	want := int64(img.Width) * int64(img.Height) * BytesPerPixel
	if want != int64(len(payload)-imageHeaderLen) {
		return Image{}, fmt.Errorf("%w: %dx%d needs %d pixel bytes, have %d",
			ErrInvalidImage, img.Width, img.Height, want, len(payload)-imageHeaderLen)
	}
	img.Pix = make([]byte, len(payload)-imageHeaderLen)
	copy(img.Pix, payload[imageHeaderLen:])
	return img, nil
}

// Valid reports whether the pixel block matches the dimensions.
func (img Image) Valid() bool {
	if img.Width < 0 || img.Height < 0 {
		return false
	}
	return int64(img.Width)*int64(img.Height)*BytesPerPixel == int64(len(img.Pix))
}

func EncodeFixation(f Fixation) []byte {
	buf := make([]byte, fixationLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.X))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Y))
	binary.BigEndian.PutUint32(buf[8:12], uint32(f.Radius))
	return buf
}

func DecodeFixation(payload []byte) (Fixation, error) {
	if len(payload) != fixationLen {
		return Fixation{}, ErrInvalidLength
	}
	return Fixation{
		X:      int32(binary.BigEndian.Uint32(payload[0:4])),
		Y:      int32(binary.BigEndian.Uint32(payload[4:8])),
		Radius: int32(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

// DecodeAck returns the acknowledged id and its echoed creation timestamp.
func DecodeAck(msg Message) (AckInfo, error) {
	if msg.Type != TypeAck {
		return AckInfo{}, ErrTypeMismatch
	}
	if len(msg.Payload) != ackLen {
		return AckInfo{}, ErrInvalidLength
	}
	return AckInfo{
		AckedID:   binary.BigEndian.Uint64(msg.Payload[0:8]),
		Timestamp: decodeTimestamp(int64(binary.BigEndian.Uint64(msg.Payload[8:16]))),
	}, nil
}
