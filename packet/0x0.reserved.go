package packet

import (
	"bytes"
	"io"
)

// RESERVED stands in for packet type 0x0, which the protocol forbids.
// Unpack returns one only together with an error: a fixed header that
// fails to parse, or ErrUnknownPacketType.
type RESERVED struct {
	*FixedHeader
}

func (pkt *RESERVED) Kind() byte           { return pkt.FixedHeader.Kind }
func (pkt *RESERVED) Pack(io.Writer) error { return nil }
func (pkt *RESERVED) Unpack(*bytes.Buffer) error {
	return nil
}
