package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PUBACK acknowledges a QoS 1 PUBLISH, MQTT 3.1.1 §3.4.
type PUBACK struct {
	*FixedHeader

	PacketID uint16
}

func (pkt *PUBACK) Kind() byte { return 0x4 }

func (pkt *PUBACK) Pack(w io.Writer) error {
	pkt.FixedHeader.RemainingLength = 2
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(i2b(pkt.PacketID))
	return err
}

func (pkt *PUBACK) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.PacketID == 0 {
		return ErrProtocolViolationZeroPacketID
	}
	return nil
}
