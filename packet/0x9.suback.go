package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// SUBACK reports the granted (or refused) QoS for each filter in a
// SUBSCRIBE, in the same order, MQTT 3.1.1 §3.9.
type SUBACK struct {
	*FixedHeader

	PacketID    uint16
	ReturnCodes []ReasonCode
}

func (pkt *SUBACK) Kind() byte { return 0x9 }

func (pkt *SUBACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.PacketID == 0 {
		return ErrProtocolViolationZeroPacketID
	}
	buf.Write(i2b(pkt.PacketID))
	for _, rc := range pkt.ReturnCodes {
		buf.WriteByte(rc.Code)
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SUBACK) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.PacketID == 0 {
		return ErrProtocolViolationZeroPacketID
	}
	for buf.Len() > 0 {
		pkt.ReturnCodes = append(pkt.ReturnCodes, ReasonCode{Code: buf.Next(1)[0]})
	}
	return nil
}
