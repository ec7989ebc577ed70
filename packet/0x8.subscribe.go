package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Subscription pairs a topic filter with the maximum QoS the client will
// accept for matching publications, MQTT 3.1.1 §3.8.3.
type Subscription struct {
	TopicFilter string
	MaxQoS      uint8
}

// SUBSCRIBE requests one or more topic subscriptions, MQTT 3.1.1 §3.8.
type SUBSCRIBE struct {
	*FixedHeader

	PacketID      uint16
	Subscriptions []Subscription
}

func (pkt *SUBSCRIBE) Kind() byte { return 0x8 }

func (pkt *SUBSCRIBE) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.PacketID == 0 {
		return ErrProtocolViolationZeroPacketID
	}
	buf.Write(i2b(pkt.PacketID))

	if len(pkt.Subscriptions) == 0 {
		return ErrProtocolViolationEmptyFilter
	}
	for _, sub := range pkt.Subscriptions {
		if sub.TopicFilter == "" {
			return ErrMalformedTopic
		}
		if sub.MaxQoS > 2 {
			return ErrProtocolViolationQosOutOfRange
		}
		buf.Write(s2b(sub.TopicFilter))
		buf.WriteByte(sub.MaxQoS)
	}

	pkt.FixedHeader.QoS = 1
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SUBSCRIBE) Unpack(buf *bytes.Buffer) error {
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
		if buf.Len() < 1 {
			return ErrMalformedOffsetBytesOutOfRange
		}
		options := buf.Next(1)[0]
		// Bits 7-2 of the Subscription Options byte are reserved [MQTT-3.8.3-4].
		if options&0xFC != 0 {
			return ErrMalformedFlags
		}
		qos := options & 0x03
		if qos > 2 {
			return ErrProtocolViolationQosOutOfRange
		}
		pkt.Subscriptions = append(pkt.Subscriptions, Subscription{TopicFilter: filter, MaxQoS: qos})
	}
	if len(pkt.Subscriptions) == 0 {
		return ErrProtocolViolationEmptyFilter
	}
	return nil
}
