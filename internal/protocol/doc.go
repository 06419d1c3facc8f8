// Package protocol owns the flow-control wire contract and parsing primitives.
//
// Ownership boundary:
// - 16-byte header (msg type, seq number, status, payload length)
// - tagged field payload primitives
// - request schema validation
//
// All integers are big-endian. String fields carry a u32 length that counts a
// trailing NUL terminator.
package protocol
