package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encode writes msg to w. PayloadLen is computed from the fields; the caller's
// value is ignored. Header and payload go out in a single write.
func Encode(w io.Writer, msg *Message) error {
	buf, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Marshal returns the wire bytes for msg.
func Marshal(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrInvalidLength
	}
	payloadLen, err := payloadLength(msg.Fields)
	if err != nil {
		return nil, err
	}
	head := msg.Header
	head.PayloadLen = payloadLen

	buf := make([]byte, 0, HeaderSize+int(payloadLen))
	buf = AppendHeader(buf, head)
	for _, field := range msg.Fields {
		buf, err = appendField(buf, field)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// EncodeFields returns the payload bytes for fields.
func EncodeFields(fields []Field) ([]byte, error) {
	var (
		buf []byte
		err error
	)
	for _, field := range fields {
		buf, err = appendField(buf, field)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// EncodeHeader returns the 16 header bytes.
func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, HeaderSize), h)
}

// AppendHeader appends the 16 header bytes to buf.
func AppendHeader(buf []byte, h Header) []byte {
	buf = PutUint32(buf, uint32(h.MessageType))
	buf = PutUint32(buf, h.SeqNumber)
	buf = PutUint32(buf, uint32(h.Status))
	return PutUint32(buf, h.PayloadLen)
}

func payloadLength(fields []Field) (uint32, error) {
	var total uint64
	for _, field := range fields {
		n, err := field.EncodedLen()
		if err != nil {
			return 0, err
		}
		total += uint64(n)
	}
	if total > uint64(^uint32(0)) {
		return 0, ErrPayloadTooLarge
	}
	return uint32(total), nil
}

func appendField(buf []byte, field Field) ([]byte, error) {
	buf = PutUint32(buf, uint32(field.ID))
	switch field.ID.Kind() {
	case KindSerial:
		if len(field.Value) != SerialNumberLen {
			return nil, fmt.Errorf("%w: serial number must be %d bytes", ErrInvalidLength, SerialNumberLen)
		}
		return append(buf, field.Value...), nil
	case KindUint32:
		if len(field.Value) != 4 {
			return nil, fmt.Errorf("%w: %s must be 4 bytes", ErrInvalidLength, field.ID)
		}
		return binary.BigEndian.AppendUint32(buf, binary.BigEndian.Uint32(field.Value)), nil
	case KindString:
		return PutString(buf, string(field.Value)), nil
	case KindBytes:
		return PutBytes(buf, field.Value), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownField, uint32(field.ID))
	}
}
