package protocol

import "errors"

var (
	ErrTruncated           = errors.New("protocol: truncated data")
	ErrInvalidLength       = errors.New("protocol: invalid length")
	ErrPayloadTooLarge     = errors.New("protocol: payload too large")
	ErrUnknownField        = errors.New("protocol: unknown field id")
	ErrFieldTypeMismatch   = errors.New("protocol: field type mismatch")
	ErrMessageTypeMismatch = errors.New("protocol: message type mismatch")
)
