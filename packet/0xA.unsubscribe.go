package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// UNSUBSCRIBE requests removal of one or more topic subscriptions,
// MQTT 3.1.1 §3.10.
type UNSUBSCRIBE struct {
	*FixedHeader

	PacketID     uint16
	TopicFilters []string
}

func (pkt *UNSUBSCRIBE) Kind() byte { return 0xA }

func (pkt *UNSUBSCRIBE) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.PacketID == 0 {
		return ErrProtocolViolationZeroPacketID
	}
	buf.Write(i2b(pkt.PacketID))

	if len(pkt.TopicFilters) == 0 {
		return ErrProtocolViolationEmptyFilter
	}
	for _, filter := range pkt.TopicFilters {
		if filter == "" {
			return ErrMalformedTopic
		}
		buf.Write(s2b(filter))
	}

	pkt.FixedHeader.QoS = 1
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *UNSUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.PacketID == 0 {
		return ErrProtocolViolationZeroPacketID
	}

	for buf.Len() > 0 {
		filter, err := decodeUTF8[string](buf)
		if err != nil {
			return err
		}
		if filter == "" {
			return ErrMalformedTopic
		}
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
	}
	if len(pkt.TopicFilters) == 0 {
		return ErrProtocolViolationEmptyFilter
	}
	return nil
}
