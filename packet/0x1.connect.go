package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// NAME is the fixed six-byte MQTT protocol name, MQTT 3.1.1 §3.1.2.1.
var NAME = []byte{0x00, 0x04, 'M', 'Q', 'T', 'T'}

// ConnectFlags is the single-byte flag field of the CONNECT variable
// header, MQTT 3.1.1 §3.1.2.2.
type ConnectFlags uint8

func (f ConnectFlags) Reserved() uint8     { return uint8(f) & 0b00000001 }
func (f ConnectFlags) CleanSession() bool  { return uint8(f)&0b00000010 != 0 }
func (f ConnectFlags) WillFlag() bool      { return uint8(f)&0b00000100 != 0 }
func (f ConnectFlags) WillQoS() uint8      { return (uint8(f) & 0b00011000) >> 3 }
func (f ConnectFlags) WillRetain() bool    { return uint8(f)&0b00100000 != 0 }
func (f ConnectFlags) UserNameFlag() bool  { return uint8(f)&0b10000000 != 0 }
func (f ConnectFlags) PasswordFlag() bool  { return uint8(f)&0b01000000 != 0 }

// Will is the publication a broker sends on behalf of a client whose
// connection drops abnormally (spec.md §4.3, Glossary "Will").
type Will struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
}

// CONNECT is the client's request to open a session, MQTT 3.1.1 §3.1.
type CONNECT struct {
	*FixedHeader

	ConnectFlags ConnectFlags
	KeepAlive    uint16 // seconds; 0 disables the idle timer (spec.md §4.2)

	ClientID string

	WillTopic   string
	WillPayload []byte

	Username string
	Password string
}

func (pkt *CONNECT) Kind() byte     { return 0x1 }
func (pkt *CONNECT) String() string { return "[0x1]CONNECT" }

// Will reconstructs the Will value from the raw CONNECT fields, or
// returns ok=false when the client carried none.
func (pkt *CONNECT) Will() (Will, bool) {
	if !pkt.ConnectFlags.WillFlag() {
		return Will{}, false
	}
	return Will{
		Topic:   pkt.WillTopic,
		Payload: pkt.WillPayload,
		QoS:     pkt.ConnectFlags.WillQoS(),
		Retain:  pkt.ConnectFlags.WillRetain(),
	}, true
}

func (pkt *CONNECT) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(NAME)
	buf.WriteByte(pkt.FixedHeader.Version)

	uf := s2i(pkt.Username)
	pf := s2i(pkt.Password)
	wr := uint8(0)
	wq := uint8(0)
	wf := uint8(0)
	cs := uint8(0)
	if pkt.ConnectFlags.CleanSession() {
		cs = 1
	}
	if pkt.WillTopic != "" {
		wf = 1
		wq = pkt.ConnectFlags.WillQoS()
		if pkt.ConnectFlags.WillRetain() {
			wr = 1
		}
	}
	flag := uf<<7 | pf<<6 | wr<<5 | wq<<3 | wf<<2 | cs<<1
	buf.WriteByte(flag)

	buf.Write(i2b(pkt.KeepAlive))

	if len(pkt.ClientID) > 23 {
		return fmt.Errorf("mqtt: client id too long: %d characters, maximum allowed is 23", len(pkt.ClientID))
	}
	buf.Write(s2b(pkt.ClientID))

	if wf == 1 {
		buf.Write(s2b(pkt.WillTopic))
		buf.Write(s2b(pkt.WillPayload))
	}
	if pkt.Username != "" {
		buf.Write(s2b(pkt.Username))
	}
	if pkt.Password != "" {
		buf.Write(s2b(pkt.Password))
	}

	pkt.FixedHeader.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *CONNECT) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 10 {
		return ErrMalformedOffsetBytesOutOfRange
	}
	name := buf.Next(6)
	if !bytes.Equal(name, NAME) {
		return ErrMalformedProtocolName
	}

	pkt.Version, pkt.ConnectFlags = buf.Next(1)[0], ConnectFlags(buf.Next(1)[0])

	// The reserved bit must be zero [MQTT-3.1.2-3].
	if pkt.ConnectFlags.Reserved() != 0 {
		return ErrMalformedPacket
	}
	// Will QoS 3 is reserved [MQTT-3.1.2-14].
	if pkt.ConnectFlags.WillQoS() > 2 {
		return ErrProtocolViolationQosOutOfRange
	}
	// WillFlag=0 forces WillQoS=0 and WillRetain=0 [MQTT-3.1.2-11/15].
	if !pkt.ConnectFlags.WillFlag() && (pkt.ConnectFlags.WillRetain() || pkt.ConnectFlags.WillQoS() != 0) {
		return ErrMalformedPacket
	}
	// PasswordFlag requires UserNameFlag [MQTT-3.1.2-22].
	if pkt.ConnectFlags.PasswordFlag() && !pkt.ConnectFlags.UserNameFlag() {
		return ErrMalformedPacket
	}

	pkt.KeepAlive = binary.BigEndian.Uint16(buf.Next(2))

	switch pkt.Version {
	case VERSION311:
	case VERSION310:
		return ErrUnsupportedProtocolVersion
	default:
		return ErrUnsupportedProtocolVersion
	}

	var err error
	if pkt.ClientID, err = decodeUTF8[string](buf); err != nil {
		return err
	}

	if pkt.ConnectFlags.WillFlag() {
		if pkt.WillTopic, err = decodeUTF8[string](buf); err != nil {
			return err
		}
		if pkt.WillTopic == "" {
			return ErrMalformedPacket
		}
		if pkt.WillPayload, err = decodeUTF8[[]byte](buf); err != nil {
			return err
		}
	}

	if pkt.ConnectFlags.UserNameFlag() {
		if pkt.Username, err = decodeUTF8[string](buf); err != nil {
			return err
		}
	}
	if pkt.ConnectFlags.PasswordFlag() {
		if pkt.Password, err = decodeUTF8[string](buf); err != nil {
			return err
		}
	}
	return nil
}
