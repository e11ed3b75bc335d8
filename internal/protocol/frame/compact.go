package frame

import "fmt"

const (
	// MaxCompactLen is the largest length the two-byte form can carry once
	// the continuation bit is stripped.
	MaxCompactLen = 0x7FFF

	compactContinuation = 0x80
	maxShortCompactLen  = 0x7F
)

// CompactLengthSize reports how many bytes n needs in the compact encoding.
func CompactLengthSize(n int) int {
	if n <= maxShortCompactLen {
		return 1
	}
	return 2
}

// PutCompactLength writes n into dst using one byte for 0-127 and two bytes
// with the continuation bit set above that.
func PutCompactLength(dst []byte, n int) (int, error) {
	if n < 0 || n > MaxCompactLen {
		return 0, fmt.Errorf("%w: %d", ErrLengthOverflow, n)
	}
	size := CompactLengthSize(n)
	if len(dst) < size {
		return 0, ErrShortLengthField
	}
	if size == 1 {
		dst[0] = uint8(n)
		return 1, nil
	}
	dst[0] = uint8(n>>8) | compactContinuation
	dst[1] = uint8(n)
	return 2, nil
}

// DecodeCompactLength reads a compact length field from the front of b.
// The continuation bit is never part of the returned value.
func DecodeCompactLength(b []byte) (n int, size int, err error) {
	if len(b) < 1 {
		return 0, 0, ErrShortLengthField
	}
	first := b[0]
	if first&compactContinuation == 0 {
		return int(first), 1, nil
	}
	if len(b) < 2 {
		return 0, 0, ErrShortLengthField
	}
	return int(first&^compactContinuation)<<8 | int(b[1]), 2, nil
}

// EncodeCompact frames payload behind a compact header. The length field
// counts the whole PDU, header bytes included.
func EncodeCompact(version uint8, payload []byte) ([]byte, error) {
	if version == VersionExtended {
		return nil, ErrReservedVersion
	}
	total := 2 + len(payload)
	if total > maxShortCompactLen {
		total++
	}
	if total < MinPDULen {
		return nil, fmt.Errorf("%w: %d bytes", ErrCompactTooShort, total)
	}
	if total > MaxCompactLen {
		return nil, fmt.Errorf("%w: %d", ErrLengthOverflow, total)
	}
	buf := make([]byte, total)
	buf[0] = version
	n, err := PutCompactLength(buf[1:], total)
	if err != nil {
		return nil, err
	}
	copy(buf[1+n:], payload)
	return buf, nil
}
