package packet

import (
	"bytes"
	"io"
)

// PINGREQ is the client's keep-alive heartbeat, MQTT 3.1.1 §3.12.
type PINGREQ struct {
	*FixedHeader
}

func (pkt *PINGREQ) Kind() byte { return 0xC }

func (pkt *PINGREQ) Pack(w io.Writer) error {
	pkt.FixedHeader.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *PINGREQ) Unpack(buf *bytes.Buffer) error { return nil }
