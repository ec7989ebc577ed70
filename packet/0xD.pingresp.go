package packet

import (
	"bytes"
	"io"
)

// PINGRESP answers a PINGREQ, MQTT 3.1.1 §3.13.
type PINGRESP struct {
	*FixedHeader
}

func (pkt *PINGRESP) Kind() byte { return 0xD }

func (pkt *PINGRESP) Pack(w io.Writer) error {
	pkt.FixedHeader.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *PINGRESP) Unpack(buf *bytes.Buffer) error { return nil }
