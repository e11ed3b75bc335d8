package frame

// Buffer is an outbound DT PDU under construction. The header region is
// reserved up front and patched by Seal once the payload length is known.
type Buffer struct {
	data      []byte
	headerOff int
	headerLen int
}

// NewDataBuffer reserves DataHeaderLen bytes followed by room for size
// payload bytes.
func NewDataBuffer(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	data := make([]byte, DataHeaderLen, DataHeaderLen+size)
	return &Buffer{data: data, headerOff: 0, headerLen: DataHeaderLen}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *Buffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

func (b *Buffer) WriteString(s string) (int, error) {
	b.data = append(b.data, s...)
	return len(s), nil
}

// Len is the number of payload bytes written so far.
func (b *Buffer) Len() int {
	return len(b.data) - b.headerOff - b.headerLen
}

func (b *Buffer) Payload() []byte {
	return b.data[b.headerOff+b.headerLen:]
}

// Truncate drops payload bytes past n, keeping the reserved header.
func (b *Buffer) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < b.Len() {
		b.data = b.data[:b.headerOff+b.headerLen+n]
	}
}

// Seal back-fills the DT header over the reserved region and returns the
// complete PDU. The returned slice aliases the buffer.
func (b *Buffer) Seal() ([]byte, error) {
	if b == nil || b.headerLen != DataHeaderLen {
		return nil, ErrNoReservedHeader
	}
	pdu := b.data[b.headerOff:]
	if err := PutDataHeader(pdu); err != nil {
		return nil, err
	}
	return pdu, nil
}
