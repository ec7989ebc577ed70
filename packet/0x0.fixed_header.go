package packet

import (
	"fmt"
	"io"
)

// FixedHeader is the two-byte-minimum header every MQTT control packet
// starts with (MQTT 3.1.1 §2.2).
//
//	Bit     | 7 | 6 |  5  4  3  2  1  0
//	byte 1  | MQTT Control Packet type | flags specific to the packet type |
//	byte 2… |            Remaining Length
type FixedHeader struct {
	Version byte // negotiated protocol level, carried here so every packet can log it

	Kind byte // the packet type from bits 7-4 of byte 1

	Dup    uint8 // bit 3: set when this PUBLISH is a retransmission
	QoS    uint8 // bits 2-1
	Retain bool  // bit 0

	RemainingLength uint32 // bytes remaining after the fixed header
}

func (pkt *FixedHeader) String() string {
	return fmt.Sprintf("%s: Len=%d", Kind[pkt.Kind], pkt.RemainingLength)
}

func (pkt *FixedHeader) Pack(w io.Writer) error {
	b := make([]byte, 1)
	b[0] |= pkt.Kind << 4
	b[0] |= pkt.Dup << 3
	b[0] |= pkt.QoS << 1
	if pkt.Retain {
		b[0] |= 1
	}
	enc, err := encodeLength(pkt.RemainingLength)
	if err != nil {
		return err
	}
	b = append(b, enc...)
	_, err = w.Write(b)
	return err
}

func (pkt *FixedHeader) Unpack(r io.Reader) error {
	b := []uint8{0x00}
	if _, err := r.Read(b); err != nil {
		return err
	}

	pkt.Kind = b[0] >> 4
	pkt.Dup = b[0] & 0b00001000 >> 3
	pkt.QoS = b[0] & 0b00000110 >> 1
	pkt.Retain = b[0]&0b00000001 != 0

	// Table 2.2: any flag marked "Reserved" must carry the value shown
	// there; a packet with illegal flags must be rejected [MQTT-2.2.2-1/2].
	switch pkt.Kind {
	case 0x03: // PUBLISH carries its own QoS/DUP/RETAIN, just bound QoS
		if pkt.QoS > 2 {
			return ErrProtocolViolationQosOutOfRange
		}
	case 0x06, 0x08, 0x0A: // PUBREL, SUBSCRIBE, UNSUBSCRIBE: DUP=0 QoS=1 RETAIN=0
		if pkt.Dup != 0 || pkt.QoS != 1 || pkt.Retain {
			return ErrMalformedFlags
		}
	default:
		if pkt.Dup != 0 || pkt.QoS != 0 || pkt.Retain {
			return ErrMalformedFlags
		}
	}

	var err error
	pkt.RemainingLength, err = decodeLength(r)
	return err
}
