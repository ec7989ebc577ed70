package bridge

import (
	"testing"

	"github.com/golang-io/edgemq/session"
)

func TestEncodeDecodePublicationRoundTrip(t *testing.T) {
	want := session.Publication{Topic: "a/b", Payload: []byte("hello"), QoS: 2, Retain: true, Sender: "client-1"}

	data, err := encodePublication(want)
	if err != nil {
		t.Fatalf("encodePublication: %v", err)
	}
	got, err := decodePublication(data)
	if err != nil {
		t.Fatalf("decodePublication: %v", err)
	}
	if got.Topic != want.Topic || string(got.Payload) != string(want.Payload) || got.QoS != want.QoS || got.Retain != want.Retain || got.Sender != want.Sender {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}
