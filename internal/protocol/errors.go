package protocol

import "errors"

var (
	ErrNeedMoreData    = errors.New("protocol: need more data")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrTruncated       = errors.New("protocol: truncated data")
	ErrInvalidLength   = errors.New("protocol: invalid length")
	ErrInvalidBool     = errors.New("protocol: invalid bool value")
	ErrInvalidImage    = errors.New("protocol: invalid image payload")
	ErrTypeMismatch    = errors.New("protocol: message type mismatch")
)
