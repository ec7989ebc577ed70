package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PUBREL is the second half of the QoS 2 delivery handshake, MQTT 3.1.1 §3.6.
// Its fixed header reserves QoS=1 [MQTT-3.6.1-1].
type PUBREL struct {
	*FixedHeader

	PacketID uint16
}

func (pkt *PUBREL) Kind() byte { return 0x6 }

func (pkt *PUBREL) Pack(w io.Writer) error {
	pkt.FixedHeader.QoS = 1
	pkt.FixedHeader.RemainingLength = 2
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(i2b(pkt.PacketID))
	return err
}

func (pkt *PUBREL) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.PacketID == 0 {
		return ErrProtocolViolationZeroPacketID
	}
	return nil
}
