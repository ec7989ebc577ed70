package packet

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
)

// Message is a publication's topic and payload, independent of QoS/DUP/
// RETAIN framing (spec.md §3 "Publication").
type Message struct {
	TopicName string
	Content   []byte
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return m.TopicName + "=" + string(m.Content)
}

// PUBLISH carries an application message, MQTT 3.1.1 §3.3.
type PUBLISH struct {
	*FixedHeader

	Message  *Message
	PacketID uint16 // present only when QoS > 0
}

func (pkt *PUBLISH) Kind() byte { return 0x3 }

func (pkt *PUBLISH) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.Message == nil || pkt.Message.TopicName == "" {
		return ErrMalformedTopic
	}
	if strings.ContainsAny(pkt.Message.TopicName, "+#") {
		return ErrProtocolViolationWildcardTopic
	}
	buf.Write(s2b(pkt.Message.TopicName))

	if pkt.QoS > 0 {
		if pkt.PacketID == 0 {
			return ErrProtocolViolationZeroPacketID
		}
		buf.Write(i2b(pkt.PacketID))
	}
	buf.Write(pkt.Message.Content)

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *PUBLISH) Unpack(buf *bytes.Buffer) error {
	topic, err := decodeUTF8[string](buf)
	if err != nil {
		return err
	}
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return ErrProtocolViolationWildcardTopic
	}

	if pkt.QoS > 0 {
		if buf.Len() < 2 {
			return ErrMalformedPacketID
		}
		pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
		if pkt.PacketID == 0 {
			return ErrProtocolViolationZeroPacketID
		}
	}

	pkt.Message = &Message{TopicName: topic, Content: bytes.Clone(buf.Bytes())}
	return nil
}
