// Package session models client identity and per-session broker state
// (spec.md §3 "Session", "ClientId", "Subscription").
package session

import (
	"time"

	"github.com/golang-io/edgemq/packet"
)

// State is the lifecycle stage of a Session (spec.md §3 "Session").
type State int

const (
	// Transient sessions vanish the instant their connection closes.
	Transient State = iota
	// Persistent sessions survive a clean disconnect, waiting offline
	// for their client to return.
	Persistent
	// Offline is a Persistent session with no attached connection.
	Offline
)

func (s State) String() string {
	switch s {
	case Transient:
		return "transient"
	case Persistent:
		return "persistent"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// ClientID identifies a session across reconnects. The broker treats the
// three constructors differently on CONNECT (spec.md §4.3 "Connect"):
// a zero value ClientID is never valid, only NewServerGenerated,
// NewCleanSession, and NewPersistentSession produce one.
type ClientID struct {
	ID             string `json:"id"`
	IsServerAssigned bool `json:"server_assigned"`
	IsCleanSession bool   `json:"clean_session"`
}

// NewServerGenerated builds the identity for a client that sent an empty
// ClientId with CleanSession=1 [MQTT-3.1.3-6]; the broker must assign one.
func NewServerGenerated(generated string) ClientID {
	return ClientID{ID: generated, IsServerAssigned: true, IsCleanSession: true}
}

// NewCleanSession builds the identity for a client-supplied id with
// CleanSession=1: always Transient, any prior session by this id is
// discarded.
func NewCleanSession(id string) ClientID {
	return ClientID{ID: id, IsCleanSession: true}
}

// NewPersistentSession builds the identity for a client-supplied id with
// CleanSession=0: the broker resumes or creates a Persistent session.
func NewPersistentSession(id string) ClientID {
	return ClientID{ID: id}
}

func (c ClientID) String() string       { return c.ID }
func (c ClientID) ServerAssigned() bool { return c.IsServerAssigned }
func (c ClientID) CleanSession() bool   { return c.IsCleanSession }

// Publication is an application message in flight inside the broker,
// independent of the wire encoding (spec.md §3 "Publication").
type Publication struct {
	Topic     string
	Payload   []byte
	QoS       uint8
	Retain    bool
	Sender    string // session id that published it, "" for broker-originated
}

// Waiting is a Publication queued for delivery to a session that has no
// attached connection (spec.md §3, §4.2 "outbound queue"). A connected
// session whose outbound queue is full is not queued here; its
// connection is dropped instead.
type Waiting struct {
	Pub      Publication
	QoS      uint8 // min(Pub.QoS, subscription's granted max QoS)
	Enqueued time.Time
}

// Outbound is how the broker's single goroutine hands a packet to a
// connection's write side without blocking on a slow client
// (spec.md §5 "Connection pump").
type Outbound interface {
	// Send enqueues pkt for the connection's writer goroutine. Send must
	// never block the broker goroutine; a full outbound queue drops the
	// connection rather than stall the broker.
	Send(pkt packet.Packet) error
	// Close tears down the underlying transport.
	Close() error
}

// Session is the broker's live state for one client identity.
type Session struct {
	ClientID        ClientID
	State           State
	ProtocolVersion byte

	Subscriptions map[string]uint8 // topic filter -> granted max QoS

	// OutInflight holds PUBLISH packets sent to the client awaiting
	// PUBACK (QoS 1) or PUBREC/PUBREL/PUBCOMP (QoS 2), keyed by the
	// broker-assigned packet identifier (spec.md §3 "PacketIdentifier").
	OutInflight map[uint16]Publication
	// InInflight holds the packet identifiers of QoS 2 PUBLISH packets
	// received from the client and PUBREC'd but not yet PUBREL'd
	// (spec.md §4.3 "Publish", QoS 2 inbound flow).
	InInflight map[uint16]Publication

	// Waiting queues publications while the session has no attached
	// connection (Outbound is nil).
	Waiting []Waiting

	NextPacketID uint16

	Will         *packet.Will
	KeepAlive    uint16
	ConnectedAt  time.Time
	DisconnectedAt time.Time

	Outbound Outbound `json:"-"`
}

// New creates a fresh session for a CONNECT that requires one (no prior
// session found, or ClientID.CleanSession()).
func New(id ClientID, version byte, keepAlive uint16) *Session {
	return &Session{
		ClientID:        id,
		State:           Transient,
		ProtocolVersion: version,
		Subscriptions:   make(map[string]uint8),
		OutInflight:     make(map[uint16]Publication),
		InInflight:      make(map[uint16]Publication),
		KeepAlive:       keepAlive,
		ConnectedAt:     time.Now(),
	}
}

// AllocatePacketID returns the next unused broker-assigned packet
// identifier for outbound QoS>0 delivery, skipping the reserved value
// zero and any identifier still present in OutInflight (spec.md §3
// "PacketIdentifier": scoped per direction per session).
func (s *Session) AllocatePacketID() uint16 {
	for {
		s.NextPacketID++
		if s.NextPacketID == 0 {
			s.NextPacketID = 1
		}
		if _, inUse := s.OutInflight[s.NextPacketID]; !inUse {
			return s.NextPacketID
		}
	}
}

// Idle reports whether the session has been Offline longer than ttl, the
// test the broker's expiry sweep applies (spec.md §3 "Session expiry").
func (s *Session) Idle(ttl time.Duration, now time.Time) bool {
	return s.State == Offline && !s.DisconnectedAt.IsZero() && now.Sub(s.DisconnectedAt) > ttl
}
