package protocol

import (
	"errors"
	"fmt"
	"io"
)

// ReadHeader reads the fixed header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, readErr(err)
	}
	return DecodeHeader(buf[:])
}

// ReadMessage reads one header and exactly PayloadLen payload bytes from r.
// Unknown field ids end field decoding; the message is still returned along
// with an error wrapping ErrUnknownField.
func ReadMessage(r io.Reader, limits Limits) (*Message, error) {
	head, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if limits.MaxPayloadBytes > 0 && head.PayloadLen > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	msg := &Message{Header: head}
	if head.PayloadLen == 0 {
		return msg, nil
	}
	payload := make([]byte, head.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, readErr(err)
	}
	fields, err := DecodeFields(payload)
	msg.Fields = fields
	if err != nil {
		if errors.Is(err, ErrUnknownField) {
			return msg, err
		}
		return nil, err
	}
	return msg, nil
}

// DecodeHeader parses the 16 header bytes.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	var h Header
	var v uint32
	v, b, _ = Uint32(b)
	h.MessageType = MessageType(v)
	h.SeqNumber, b, _ = Uint32(b)
	v, b, _ = Uint32(b)
	h.Status = Status(v)
	h.PayloadLen, _, _ = Uint32(b)
	return h, nil
}

// DecodeFields consumes the whole payload left to right. On an unknown field
// id it stops and returns the fields decoded so far with ErrUnknownField.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 4)
	rest := payload
	for len(rest) > 0 {
		raw, next, err := Uint32(rest)
		if err != nil {
			return nil, err
		}
		id := FieldID(raw)
		var value []byte
		switch id.Kind() {
		case KindSerial:
			if len(next) < SerialNumberLen {
				return nil, ErrTruncated
			}
			value = make([]byte, SerialNumberLen)
			copy(value, next[:SerialNumberLen])
			next = next[SerialNumberLen:]
		case KindUint32:
			if len(next) < 4 {
				return nil, ErrTruncated
			}
			value = make([]byte, 4)
			copy(value, next[:4])
			next = next[4:]
		case KindString:
			var s string
			s, next, err = String(next)
			if err != nil {
				return nil, err
			}
			value = []byte(s)
		case KindBytes:
			value, next, err = Bytes(next)
			if err != nil {
				return nil, err
			}
		default:
			return fields, fmt.Errorf("%w: %d at offset %d", ErrUnknownField, raw, len(payload)-len(rest))
		}
		fields = append(fields, Field{ID: id, Value: value})
		rest = next
	}
	return fields, nil
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
