package protocol

import "time"

const (
	// HeaderSize is the fixed encoded header length.
	HeaderSize = 4 + 8 + 8 + 4

	// MaxDataSize caps a single message payload.
	MaxDataSize = 16 * 1024 * 1024

	// HandshakeToken is the shared token both peers must present.
	HandshakeToken = "FLYING_DRAGON"

	// DefaultPort is the default TCP listen port.
	DefaultPort = 7480

	// BytesPerPixel is the RGB32 pixel stride carried by Icon and Frame.
	BytesPerPixel = 4
)

// Type is the message discriminant carried in the header.
type Type uint32

const (
	TypeAck Type = iota
	TypeKeepAlive
	TypeHandshake
	TypeStreamCommand
	TypeFoveateCommand
	TypeDisconnectCommand
	TypeIcon
	TypeFrame
	TypeFixation
	TypeText
	TypeUnknown
)

func (t Type) String() string {
	switch t {
	case TypeAck:
		return "Ack"
	case TypeKeepAlive:
		return "KeepAlive"
	case TypeHandshake:
		return "Handshake"
	case TypeStreamCommand:
		return "StreamCommand"
	case TypeFoveateCommand:
		return "FoveateCommand"
	case TypeDisconnectCommand:
		return "DisconnectCommand"
	case TypeIcon:
		return "Icon"
	case TypeFrame:
		return "Frame"
	case TypeFixation:
		return "Fixation"
	case TypeText:
		return "Text"
	default:
		return "Unknown"
	}
}

// Known reports whether t is one of the defined message types.
func (t Type) Known() bool {
	return t < TypeUnknown
}

// Message is one framed protocol message.
type Message struct {
	Type      Type
	ID        uint64
	Timestamp time.Time
	Payload   []byte
}

// Valid reports whether the message may be put on the wire.
func (m Message) Valid() bool {
	return m.Type.Known() && len(m.Payload) <= MaxDataSize
}

// Size is the encoded length of the message.
func (m Message) Size() int {
	return HeaderSize + len(m.Payload)
}

// Image is an opaque RGB32 pixel block with its dimensions.
type Image struct {
	Width  int32
	Height int32
	Pix    []byte
}

// Fixation is a peer-reported point of interest and radius.
type Fixation struct {
	X      int32 `json:"x"`
	Y      int32 `json:"y"`
	Radius int32 `json:"radius"`
}

// AckInfo is the decoded Ack payload.
type AckInfo struct {
	AckedID   uint64
	Timestamp time.Time
}
