package packet

import (
	"bytes"
	"testing"
)

func TestPublishRoundTrip(t *testing.T) {
	pkt := &PUBLISH{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x3, QoS: 1},
		Message:     &Message{TopicName: "a/b", Content: []byte("hello")},
		PacketID:    7,
	}

	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	got, err := Unpack(VERSION311, &buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	pub, ok := got.(*PUBLISH)
	if !ok {
		t.Fatalf("Unpack returned %T, want *PUBLISH", got)
	}
	if pub.Message.TopicName != "a/b" || string(pub.Message.Content) != "hello" || pub.PacketID != 7 {
		t.Fatalf("round trip mismatch: %+v", pub)
	}
}

func TestPublishRejectsWildcardTopic(t *testing.T) {
	pkt := &PUBLISH{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x3},
		Message:     &Message{TopicName: "a/+", Content: nil},
	}
	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != ErrProtocolViolationWildcardTopic {
		t.Fatalf("Pack error = %v, want ErrProtocolViolationWildcardTopic", err)
	}
}

func TestPublishRejectsZeroPacketIDAtQoS1(t *testing.T) {
	pkt := &PUBLISH{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x3, QoS: 1},
		Message:     &Message{TopicName: "a", Content: nil},
	}
	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != ErrProtocolViolationZeroPacketID {
		t.Fatalf("Pack error = %v, want ErrProtocolViolationZeroPacketID", err)
	}
}

func TestConnectRoundTrip(t *testing.T) {
	pkt := &CONNECT{
		FixedHeader:  &FixedHeader{Version: VERSION311, Kind: 0x1},
		ConnectFlags: ConnectFlags(0b00000010), // clean session
		KeepAlive:    60,
		ClientID:     "client-1",
	}

	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	got, err := Unpack(VERSION311, &buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	connect, ok := got.(*CONNECT)
	if !ok {
		t.Fatalf("Unpack returned %T, want *CONNECT", got)
	}
	if connect.ClientID != "client-1" || connect.KeepAlive != 60 || !connect.ConnectFlags.CleanSession() {
		t.Fatalf("round trip mismatch: %+v", connect)
	}
	if _, hasWill := connect.Will(); hasWill {
		t.Fatal("expected no Will")
	}
}

func TestConnectWithWillRoundTrip(t *testing.T) {
	pkt := &CONNECT{
		FixedHeader:  &FixedHeader{Version: VERSION311, Kind: 0x1},
		ConnectFlags: ConnectFlags(0b00000010 | 0b00000100 | 0b00001000), // clean session + will + will qos 1
		KeepAlive:    30,
		ClientID:     "client-2",
		WillTopic:    "status/offline",
		WillPayload:  []byte("bye"),
	}

	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(VERSION311, &buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	connect := got.(*CONNECT)
	will, ok := connect.Will()
	if !ok {
		t.Fatal("expected a Will")
	}
	if will.Topic != "status/offline" || string(will.Payload) != "bye" || will.QoS != 1 {
		t.Fatalf("will mismatch: %+v", will)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	pkt := &SUBSCRIBE{
		FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x8, QoS: 1},
		PacketID:    42,
		Subscriptions: []Subscription{
			{TopicFilter: "a/#", MaxQoS: 1},
			{TopicFilter: "b/+/c", MaxQoS: 2},
		},
	}

	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(VERSION311, &buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	sub := got.(*SUBSCRIBE)
	if sub.PacketID != 42 || len(sub.Subscriptions) != 2 {
		t.Fatalf("round trip mismatch: %+v", sub)
	}
	if sub.Subscriptions[0].TopicFilter != "a/#" || sub.Subscriptions[1].MaxQoS != 2 {
		t.Fatalf("subscription mismatch: %+v", sub.Subscriptions)
	}
}

func TestPubackRoundTrip(t *testing.T) {
	pkt := &PUBACK{FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0x4}, PacketID: 99}
	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(VERSION311, &buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.(*PUBACK).PacketID != 99 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestPingReqRoundTrip(t *testing.T) {
	pkt := &PINGREQ{FixedHeader: &FixedHeader{Version: VERSION311, Kind: 0xC}}
	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(VERSION311, &buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.Kind() != 0xC {
		t.Fatalf("Kind() = %x, want 0xC", got.Kind())
	}
}
