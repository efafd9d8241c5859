package stream

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// EncodeFrame returns payload prefixed with its 2-byte big-endian length.
// Payloads longer than MaxPayloadLen cannot be framed and return ErrPayloadTooLarge.
func EncodeFrame(payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderLen+len(payload)), payload)
}

// AppendFrame appends the framed payload to dst and returns the extended slice.
// On error dst is returned unchanged.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	return appendFrame(dst, payload, MaxPayloadLen)
}

// appendFrame frames payload, rejecting anything over limit.
func appendFrame(dst, payload []byte, limit int) ([]byte, error) {
	if len(payload) > limit {
		return dst, errors.Wrapf(ErrPayloadTooLarge, "%d bytes, limit %d", len(payload), limit)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}
