package packet

import (
	"bytes"
	"io"
)

// CONNACK acknowledges a CONNECT, MQTT 3.1.1 §3.2.
type CONNACK struct {
	*FixedHeader

	SessionPresent bool // true iff a prior Offline persistent session existed
	ReturnCode     ReasonCode
}

func (pkt *CONNACK) Kind() byte { return 0x2 }

func (pkt *CONNACK) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	var ackFlags byte
	if pkt.SessionPresent && pkt.ReturnCode.Code == CodeSuccess.Code {
		ackFlags = 1
	}
	buf.WriteByte(ackFlags)
	buf.WriteByte(pkt.ReturnCode.Code)

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *CONNACK) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedOffsetBytesOutOfRange
	}
	ackFlags := buf.Next(1)[0]
	// Bits 7-1 of the Connect Acknowledge Flags are reserved [MQTT-3.2.2-1].
	if ackFlags&0xFE != 0 {
		return ErrMalformedPacket
	}
	pkt.SessionPresent = ackFlags&0x01 != 0
	pkt.ReturnCode = ReasonCode{Code: buf.Next(1)[0]}
	return nil
}
