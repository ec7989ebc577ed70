package packet

import (
	"bytes"
	"io"
)

// DISCONNECT is the client's graceful connection close, MQTT 3.1.1 §3.14.
// A graceful DISCONNECT suppresses delivery of the session's Will
// (spec.md §4.2).
type DISCONNECT struct {
	*FixedHeader
}

func (pkt *DISCONNECT) Kind() byte { return 0xE }

func (pkt *DISCONNECT) Pack(w io.Writer) error {
	pkt.FixedHeader.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *DISCONNECT) Unpack(buf *bytes.Buffer) error { return nil }
