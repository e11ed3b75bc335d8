package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// VersionExtended selects the fixed TPKT/X.224 header. Any other leading
	// byte selects the compact header.
	VersionExtended uint8 = 3

	PrefixLen     = 4
	MinPDULen     = 4
	ControlPDULen = 11
	DataHeaderLen = 7
	MaxPDULen     = 0xFFFF

	// MaxDataPayload is the largest payload a single DT PDU can carry.
	MaxDataPayload = MaxPDULen - DataHeaderLen

	controlLI = 6
	dataLI    = 2

	// EOT is the only value this layer writes into the DT eot byte.
	EOT uint8 = 0x80

	CookiePrefix     = "Cookie: mstshash="
	cookieTerminator = "\r\n"
	cookieOverhead   = ControlPDULen + len(CookiePrefix) + len(cookieTerminator)

	// MaxIdentityLen keeps the cookie CR's one-byte length indicator in range.
	MaxIdentityLen = 0xFF + 5 - cookieOverhead
)

// Code is the X.224 TPDU code carried by extended-header PDUs.
type Code uint8

const (
	CodeConnectionRequest Code = 0xE0
	CodeConnectionConfirm Code = 0xD0
	CodeDisconnectRequest Code = 0x80
	CodeDataTransfer      Code = 0xF0
)

func (c Code) String() string {
	switch c {
	case CodeConnectionRequest:
		return "CR"
	case CodeConnectionConfirm:
		return "CC"
	case CodeDisconnectRequest:
		return "DR"
	case CodeDataTransfer:
		return "DT"
	default:
		return fmt.Sprintf("0x%02x", uint8(c))
	}
}

func (c Code) isControl() bool {
	return c == CodeConnectionRequest || c == CodeConnectionConfirm || c == CodeDisconnectRequest
}

var (
	ErrFraming          = errors.New("frame: bad packet header")
	ErrShortPrefix      = errors.New("frame: short pdu prefix")
	ErrShortPDU         = errors.New("frame: truncated pdu")
	ErrNotControl       = errors.New("frame: not a control code")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrIdentityTooLong  = errors.New("frame: cookie identity too long")
	ErrNoCookie         = errors.New("frame: missing cookie")
	ErrIdentityInvalid  = errors.New("frame: identity contains cr or lf")
	ErrLengthOverflow   = errors.New("frame: compact length overflow")
	ErrReservedVersion  = errors.New("frame: version reserved for extended header")
	ErrCompactTooShort  = errors.New("frame: compact pdu shorter than minimum")
	ErrBodyLenMismatch  = errors.New("frame: body length does not match prefix")
	ErrNoReservedHeader = errors.New("frame: buffer has no reserved header")
	ErrShortLengthField = errors.New("frame: short compact length field")
)

// Kind tags which header shape a PDU arrived with.
type Kind uint8

const (
	KindExtended Kind = iota + 1
	KindCompact
)

func (k Kind) String() string {
	switch k {
	case KindExtended:
		return "extended"
	case KindCompact:
		return "compact"
	default:
		return "unknown"
	}
}

// PDU is one decoded inbound message. Code is only set for KindExtended.
type PDU struct {
	Kind    Kind
	Version uint8
	Code    Code
	Payload []byte
}

// Prefix is what the first four bytes of any PDU reveal.
type Prefix struct {
	Version uint8
	// Length is the total PDU length including every header byte.
	Length int
	// FieldLen is how many prefix bytes the version and length fields use;
	// prefix bytes past it already belong to the body.
	FieldLen int
}

func (p Prefix) Kind() Kind {
	if p.Version == VersionExtended {
		return KindExtended
	}
	return KindCompact
}

// DecodePrefix resolves version and total length from the 4-byte prefix
// shared by both header shapes.
func DecodePrefix(b []byte) (Prefix, error) {
	if len(b) < PrefixLen {
		return Prefix{}, ErrShortPrefix
	}
	p := Prefix{Version: b[0]}
	if p.Version == VersionExtended {
		p.Length = int(binary.BigEndian.Uint16(b[2:4]))
		p.FieldLen = PrefixLen
	} else {
		n, size, err := DecodeCompactLength(b[1:PrefixLen])
		if err != nil {
			return Prefix{}, err
		}
		p.Length = n
		p.FieldLen = 1 + size
	}
	if p.Length < MinPDULen {
		return Prefix{}, fmt.Errorf("%w: length=%d", ErrFraming, p.Length)
	}
	return p, nil
}

// DecodeBody builds the PDU from the prefix bytes and the Length-4 bytes
// that followed them on the stream.
func DecodeBody(p Prefix, head, rest []byte) (PDU, error) {
	if len(head) < PrefixLen {
		return PDU{}, ErrShortPrefix
	}
	if len(rest) != p.Length-PrefixLen {
		return PDU{}, fmt.Errorf("%w: want=%d got=%d", ErrBodyLenMismatch, p.Length-PrefixLen, len(rest))
	}
	if p.Kind() == KindCompact {
		payload := make([]byte, 0, PrefixLen-p.FieldLen+len(rest))
		payload = append(payload, head[p.FieldLen:PrefixLen]...)
		payload = append(payload, rest...)
		return PDU{Kind: KindCompact, Version: p.Version, Payload: payload}, nil
	}
	code, payload, err := ParseExtended(rest)
	if err != nil {
		return PDU{}, err
	}
	return PDU{Kind: KindExtended, Version: p.Version, Code: code, Payload: payload}, nil
}

// ParseExtended strips the X.224 fields that follow the TPKT prefix.
// DT PDUs carry a one-byte eot tail, every other code the fixed
// dst_ref/src_ref/class tail.
func ParseExtended(rest []byte) (Code, []byte, error) {
	if len(rest) < 2 {
		return 0, nil, fmt.Errorf("%w: x224 header needs 2 bytes, have %d", ErrShortPDU, len(rest))
	}
	code := Code(rest[1])
	tail := 3
	if code != CodeDataTransfer {
		tail = ControlPDULen - PrefixLen
	}
	if len(rest) < tail {
		return 0, nil, fmt.Errorf("%w: code=%s needs %d bytes, have %d", ErrShortPDU, code, tail, len(rest))
	}
	return code, rest[tail:], nil
}

// ReadPDU reads one complete PDU of either shape from r.
func ReadPDU(r io.Reader) (PDU, error) {
	var head [PrefixLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return PDU{}, err
	}
	p, err := DecodePrefix(head[:])
	if err != nil {
		return PDU{}, err
	}
	rest := make([]byte, p.Length-PrefixLen)
	if len(rest) > 0 {
		if _, err := io.ReadFull(r, rest); err != nil {
			if errors.Is(err, io.EOF) {
				return PDU{}, io.ErrUnexpectedEOF
			}
			return PDU{}, err
		}
	}
	return DecodeBody(p, head[:], rest)
}

// EncodeControl builds the fixed 11-byte CR/CC/DR PDU.
func EncodeControl(code Code) ([]byte, error) {
	if !code.isControl() {
		return nil, fmt.Errorf("%w: %s", ErrNotControl, code)
	}
	buf := make([]byte, ControlPDULen)
	putControlHeader(buf, code, controlLI)
	return buf, nil
}

// EncodeConnectionRequest builds the CR PDU carrying the mstshash cookie.
func EncodeConnectionRequest(identity string) ([]byte, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}
	length := cookieOverhead + len(identity)
	buf := make([]byte, ControlPDULen, length)
	putControlHeader(buf, CodeConnectionRequest, uint8(length-5))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	buf = append(buf, CookiePrefix...)
	buf = append(buf, identity...)
	buf = append(buf, cookieTerminator...)
	return buf, nil
}

// ValidateIdentity checks that identity fits the CR length indicator and
// cannot terminate the cookie line early.
func ValidateIdentity(identity string) error {
	if len(identity) > MaxIdentityLen {
		return fmt.Errorf("%w: %d bytes", ErrIdentityTooLong, len(identity))
	}
	if i := strings.IndexAny(identity, "\r\n"); i >= 0 {
		return fmt.Errorf("%w: byte %d", ErrIdentityInvalid, i)
	}
	return nil
}

func putControlHeader(buf []byte, code Code, li uint8) {
	buf[0] = VersionExtended
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	buf[4] = li
	buf[5] = uint8(code)
	// dst_ref, src_ref, class
	for i := 6; i < ControlPDULen; i++ {
		buf[i] = 0
	}
}

// PutDataHeader writes the 7-byte DT header into the front of pdu, which
// must already hold the payload after the reserved region.
func PutDataHeader(pdu []byte) error {
	if len(pdu) < DataHeaderLen {
		return fmt.Errorf("%w: %d bytes", ErrShortPDU, len(pdu))
	}
	if len(pdu) > MaxPDULen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(pdu)-DataHeaderLen)
	}
	pdu[0] = VersionExtended
	pdu[1] = 0
	binary.BigEndian.PutUint16(pdu[2:4], uint16(len(pdu)))
	pdu[4] = dataLI
	pdu[5] = uint8(CodeDataTransfer)
	pdu[6] = EOT
	return nil
}

// EncodeData frames payload as a single DT PDU.
func EncodeData(payload []byte) ([]byte, error) {
	b := NewDataBuffer(len(payload))
	_, _ = b.Write(payload)
	return b.Seal()
}

// ParseCookie extracts the identity from a CR payload. Anything after the
// terminating CR LF (negotiation requests) is ignored.
func ParseCookie(payload []byte) (string, error) {
	if len(payload) < len(CookiePrefix) || string(payload[:len(CookiePrefix)]) != CookiePrefix {
		return "", ErrNoCookie
	}
	rest := payload[len(CookiePrefix):]
	for i := 0; i+1 < len(rest); i++ {
		if rest[i] == '\r' && rest[i+1] == '\n' {
			return string(rest[:i]), nil
		}
	}
	return "", fmt.Errorf("%w: unterminated", ErrNoCookie)
}
