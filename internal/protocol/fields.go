package protocol

import (
	"encoding/binary"
	"fmt"
)

// PutUint32 appends v big-endian and returns the extended buffer.
func PutUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

// Uint32 reads one big-endian u32 and returns the remaining bytes.
func Uint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, buf, ErrTruncated
	}
	return binary.BigEndian.Uint32(buf[:4]), buf[4:], nil
}

// PutString appends a length-prefixed, NUL-terminated string. The length
// includes the terminator.
func PutString(buf []byte, s string) []byte {
	buf = PutUint32(buf, uint32(len(s)+1))
	buf = append(buf, s...)
	return append(buf, 0)
}

// String reads a value written by PutString.
func String(buf []byte) (string, []byte, error) {
	n, rest, err := Uint32(buf)
	if err != nil {
		return "", buf, err
	}
	if n == 0 {
		return "", buf, ErrInvalidLength
	}
	if uint64(n) > uint64(len(rest)) {
		return "", buf, ErrTruncated
	}
	if rest[n-1] != 0 {
		return "", buf, fmt.Errorf("%w: missing string terminator", ErrInvalidLength)
	}
	return string(rest[:n-1]), rest[n:], nil
}

// PutBytes appends a length-prefixed byte value.
func PutBytes(buf []byte, b []byte) []byte {
	buf = PutUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// Bytes reads a value written by PutBytes.
func Bytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := Uint32(buf)
	if err != nil {
		return nil, buf, err
	}
	if uint64(n) > uint64(len(rest)) {
		return nil, buf, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return out, rest[n:], nil
}

// NewFieldSerial creates the fixed-width serial number field.
func NewFieldSerial(serial [SerialNumberLen]byte) Field {
	v := make([]byte, SerialNumberLen)
	copy(v, serial[:])
	return Field{ID: FieldSerialNumber, Value: v}
}

// NewFieldUint32 creates a u32 field.
func NewFieldUint32(id FieldID, v uint32) Field {
	return Field{ID: id, Value: binary.BigEndian.AppendUint32(nil, v)}
}

// NewFieldString creates a string field.
func NewFieldString(id FieldID, v string) Field {
	return Field{ID: id, Value: []byte(v)}
}

// NewFieldBytes creates a bytes field.
func NewFieldBytes(id FieldID, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Value: buf}
}

// Uint32 returns the field value as u32.
func (f Field) Uint32() (uint32, error) {
	if f.ID.Kind() != KindUint32 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 4 {
		return 0, ErrInvalidLength
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

// String returns the field value as string.
func (f Field) String() (string, error) {
	if f.ID.Kind() != KindString {
		return "", ErrFieldTypeMismatch
	}
	return string(f.Value), nil
}

// Serial returns the fixed-width serial value.
func (f Field) Serial() ([SerialNumberLen]byte, error) {
	var out [SerialNumberLen]byte
	if f.ID.Kind() != KindSerial {
		return out, ErrFieldTypeMismatch
	}
	if len(f.Value) != SerialNumberLen {
		return out, ErrInvalidLength
	}
	copy(out[:], f.Value)
	return out, nil
}

// EncodedLen is the number of payload bytes the field occupies on the wire.
func (f Field) EncodedLen() (int, error) {
	switch f.ID.Kind() {
	case KindSerial:
		return 4 + SerialNumberLen, nil
	case KindUint32:
		return 4 + 4, nil
	case KindString:
		return 4 + 4 + len(f.Value) + 1, nil
	case KindBytes:
		return 4 + 4 + len(f.Value), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownField, uint32(f.ID))
	}
}

// GetField returns the first field with id.
func GetField(fields []Field, id FieldID) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}
