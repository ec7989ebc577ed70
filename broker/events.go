// Package broker implements the single-goroutine session/subscription/
// retained-message state machine at the center of the server (spec.md
// §4.3 "Broker", §5 "Concurrency and resource model"). All broker state
// is owned by the goroutine running Broker.Run; every other goroutine
// talks to it by sending an Event on its channel.
package broker

import (
	"github.com/golang-io/edgemq/auth"
	"github.com/golang-io/edgemq/packet"
	"github.com/golang-io/edgemq/session"
)

// Event is anything the broker's Run loop can act on.
type Event interface{ isEvent() }

// ConnectRequest asks the broker to admit a new connection, resolving it
// against any existing session for the same ClientID (spec.md §4.3
// "Connect": the four CONNECT cases).
type ConnectRequest struct {
	ClientID  session.ClientID
	Version   byte
	KeepAlive uint16
	Will      *packet.Will
	Creds     auth.Credentials
	Outbound  session.Outbound
	Reply     chan ConnectResult
}

func (ConnectRequest) isEvent() {}

// ConnectResult is the broker's verdict on a ConnectRequest.
type ConnectResult struct {
	Code           packet.ReasonCode
	SessionPresent bool
	SessionID      string // "" on refusal
}

// ClientPacket delivers one decoded packet from an established session's
// connection pump to the broker.
type ClientPacket struct {
	SessionID string
	Packet    packet.Packet
}

func (ClientPacket) isEvent() {}

// ConnectionLost reports that a session's transport died without a
// graceful DISCONNECT, so its Will (if any) must fire (spec.md §4.3
// "Connect"/"Disconnect").
type ConnectionLost struct {
	SessionID string
}

func (ConnectionLost) isEvent() {}

// CloseSession reports a graceful client-initiated DISCONNECT: the
// session's Will is discarded [MQTT-3.1.2-10] and, for a CleanSession
// identity, the session itself is destroyed.
type CloseSession struct {
	SessionID string
}

func (CloseSession) isEvent() {}

// SystemPublish is a broker-originated publication, used for $SYS status
// topics and the sidecar control plane (spec.md §6 "Sidecar control
// topics").
type SystemPublish struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
}

func (SystemPublish) isEvent() {}

// AuthorizationUpdate asks the broker to re-check every session's Connect
// permission and every subscription against the current Authorizer,
// dropping whatever no longer passes (spec.md §4.3 "Authorization
// update"). In-flight and queued publications are not re-checked.
type AuthorizationUpdate struct{}

func (AuthorizationUpdate) isEvent() {}

// Shutdown asks Run to persist state and return.
type Shutdown struct {
	Done chan struct{}
}

func (Shutdown) isEvent() {}
