package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-io/edgemq/auth"
	"github.com/golang-io/edgemq/packet"
	"github.com/golang-io/edgemq/session"
)

// fakeOutbound is a session.Outbound test double that records every
// packet handed to it instead of writing to a real transport.
type fakeOutbound struct {
	mu     sync.Mutex
	sent   []packet.Packet
	closed bool
}

func (f *fakeOutbound) Send(pkt packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeOutbound) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOutbound) packets() []packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]packet.Packet, len(f.sent))
	copy(out, f.sent)
	return out
}

func connectAndWait(t *testing.T, b *Broker, id session.ClientID, out *fakeOutbound) ConnectResult {
	t.Helper()
	reply := make(chan ConnectResult, 1)
	b.Submit(ConnectRequest{
		ClientID:  id,
		Version:   packet.VERSION311,
		KeepAlive: 60,
		Creds:     auth.Credentials{Username: id.String()},
		Outbound:  out,
		Reply:     reply,
	})
	select {
	case res := <-reply:
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConnectResult")
		return ConnectResult{}
	}
}

func runBroker(t *testing.T, b *Broker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func subscribe(b *Broker, sessionID string, filter string, qos uint8) {
	b.Submit(ClientPacket{
		SessionID: sessionID,
		Packet: &packet.SUBSCRIBE{
			FixedHeader:   &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x8, QoS: 1},
			PacketID:      1,
			Subscriptions: []packet.Subscription{{TopicFilter: filter, MaxQoS: qos}},
		},
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestConnectCleanSessionIsAlwaysTransient(t *testing.T) {
	b := New()
	runBroker(t, b)

	out := &fakeOutbound{}
	res := connectAndWait(t, b, session.NewCleanSession("c1"), out)
	if res.Code != packet.CodeSuccess || res.SessionPresent {
		t.Fatalf("unexpected result: %+v", res)
	}
	waitFor(t, func() bool {
		s, ok := b.sessions["c1"]
		return ok && s.State == session.Transient
	})
}

func TestConnectPersistentFreshSessionNotPresent(t *testing.T) {
	b := New()
	runBroker(t, b)

	out := &fakeOutbound{}
	res := connectAndWait(t, b, session.NewPersistentSession("c1"), out)
	if res.Code != packet.CodeSuccess || res.SessionPresent {
		t.Fatalf("expected a fresh persistent session, got %+v", res)
	}
}

func TestConnectPersistentResumesOfflineSession(t *testing.T) {
	b := New()
	runBroker(t, b)

	out1 := &fakeOutbound{}
	connectAndWait(t, b, session.NewPersistentSession("c1"), out1)
	subscribe(b, "c1", "a/#", 1)

	b.Submit(ConnectionLost{SessionID: "c1"})

	out2 := &fakeOutbound{}
	res := connectAndWait(t, b, session.NewPersistentSession("c1"), out2)
	if !res.SessionPresent {
		t.Fatal("expected SessionPresent=true when resuming an offline persistent session")
	}
}

func TestConnectPersistentEvictsZombieConnection(t *testing.T) {
	b := New()
	runBroker(t, b)

	out1 := &fakeOutbound{}
	connectAndWait(t, b, session.NewPersistentSession("c1"), out1)

	out2 := &fakeOutbound{}
	res := connectAndWait(t, b, session.NewPersistentSession("c1"), out2)
	if !res.SessionPresent {
		t.Fatal("expected SessionPresent=true when resuming a still-connected persistent session")
	}
	waitFor(t, func() bool { out1.mu.Lock(); defer out1.mu.Unlock(); return out1.closed })
}

func TestPublishQoS0FansOutToSubscriber(t *testing.T) {
	b := New()
	runBroker(t, b)

	pubOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("pub"), pubOut)
	subOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("sub"), subOut)
	subscribe(b, "sub", "a/b", 0)

	b.Submit(ClientPacket{
		SessionID: "pub",
		Packet: &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 0},
			Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
		},
	})

	waitFor(t, func() bool { return len(subOut.packets()) > 0 })
	got := subOut.packets()[0].(*packet.PUBLISH)
	if got.Message.TopicName != "a/b" || string(got.Message.Content) != "hi" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestPublishQoS1SendsPuback(t *testing.T) {
	b := New()
	runBroker(t, b)

	out := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("c1"), out)

	b.Submit(ClientPacket{
		SessionID: "c1",
		Packet: &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 1},
			Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
			PacketID:    5,
		},
	})

	waitFor(t, func() bool {
		for _, p := range out.packets() {
			if ack, ok := p.(*packet.PUBACK); ok && ack.PacketID == 5 {
				return true
			}
		}
		return false
	})
}

func TestPublishQoS2HandshakeCompletesWithPubcomp(t *testing.T) {
	b := New()
	runBroker(t, b)

	out := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("c1"), out)

	b.Submit(ClientPacket{
		SessionID: "c1",
		Packet: &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 2},
			Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
			PacketID:    9,
		},
	})
	waitFor(t, func() bool {
		for _, p := range out.packets() {
			if _, ok := p.(*packet.PUBREC); ok {
				return true
			}
		}
		return false
	})

	b.Submit(ClientPacket{
		SessionID: "c1",
		Packet:    &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x6, QoS: 1}, PacketID: 9},
	})
	waitFor(t, func() bool {
		for _, p := range out.packets() {
			if comp, ok := p.(*packet.PUBCOMP); ok && comp.PacketID == 9 {
				return true
			}
		}
		return false
	})
}

func TestRetainedMessageReplayedOnSubscribe(t *testing.T) {
	b := New()
	runBroker(t, b)

	pubOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("pub"), pubOut)
	b.Submit(ClientPacket{
		SessionID: "pub",
		Packet: &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 0, Retain: true},
			Message:     &packet.Message{TopicName: "status", Content: []byte("up")},
		},
	})

	subOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("sub"), subOut)
	subscribe(b, "sub", "status", 0)

	waitFor(t, func() bool {
		for _, p := range subOut.packets() {
			if pub, ok := p.(*packet.PUBLISH); ok && pub.Retain {
				return string(pub.Message.Content) == "up"
			}
		}
		return false
	})
}

func TestRetainedMessageClearedByEmptyPayload(t *testing.T) {
	b := New()
	runBroker(t, b)

	pubOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("pub"), pubOut)
	b.Submit(ClientPacket{
		SessionID: "pub",
		Packet: &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 0, Retain: true},
			Message:     &packet.Message{TopicName: "status", Content: []byte("up")},
		},
	})
	b.Submit(ClientPacket{
		SessionID: "pub",
		Packet: &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 0, Retain: true},
			Message:     &packet.Message{TopicName: "status", Content: nil},
		},
	})

	subOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("sub"), subOut)
	subscribe(b, "sub", "status", 0)

	time.Sleep(50 * time.Millisecond)
	for _, p := range subOut.packets() {
		if _, ok := p.(*packet.PUBLISH); ok {
			t.Fatal("expected no retained replay after the retained message was cleared")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	runBroker(t, b)

	pubOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("pub"), pubOut)
	subOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("sub"), subOut)
	subscribe(b, "sub", "a/b", 0)

	b.Submit(ClientPacket{
		SessionID: "sub",
		Packet: &packet.UNSUBSCRIBE{
			FixedHeader:  &packet.FixedHeader{Version: packet.VERSION311, Kind: 0xA, QoS: 1},
			PacketID:     2,
			TopicFilters: []string{"a/b"},
		},
	})
	waitFor(t, func() bool {
		for _, p := range subOut.packets() {
			if _, ok := p.(*packet.UNSUBACK); ok {
				return true
			}
		}
		return false
	})

	b.Submit(ClientPacket{
		SessionID: "pub",
		Packet: &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 0},
			Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
		},
	})

	time.Sleep(50 * time.Millisecond)
	for _, p := range subOut.packets() {
		if _, ok := p.(*packet.PUBLISH); ok {
			t.Fatal("expected no delivery after unsubscribe")
		}
	}
}

func TestWillFiresOnConnectionLost(t *testing.T) {
	b := New()
	runBroker(t, b)

	subOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("sub"), subOut)
	subscribe(b, "sub", "status/offline", 0)

	reply := make(chan ConnectResult, 1)
	willOut := &fakeOutbound{}
	b.Submit(ConnectRequest{
		ClientID:  session.NewCleanSession("willer"),
		Version:   packet.VERSION311,
		KeepAlive: 60,
		Will:      &packet.Will{Topic: "status/offline", Payload: []byte("bye"), QoS: 0},
		Outbound:  willOut,
		Reply:     reply,
	})
	<-reply

	b.Submit(ConnectionLost{SessionID: "willer"})

	waitFor(t, func() bool {
		for _, p := range subOut.packets() {
			if pub, ok := p.(*packet.PUBLISH); ok {
				return string(pub.Message.Content) == "bye"
			}
		}
		return false
	})
}

func TestWillDiscardedOnGracefulClose(t *testing.T) {
	b := New()
	runBroker(t, b)

	subOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("sub"), subOut)
	subscribe(b, "sub", "status/offline", 0)

	reply := make(chan ConnectResult, 1)
	willOut := &fakeOutbound{}
	b.Submit(ConnectRequest{
		ClientID:  session.NewCleanSession("willer"),
		Version:   packet.VERSION311,
		KeepAlive: 60,
		Will:      &packet.Will{Topic: "status/offline", Payload: []byte("bye"), QoS: 0},
		Outbound:  willOut,
		Reply:     reply,
	})
	<-reply

	b.Submit(CloseSession{SessionID: "willer"})

	time.Sleep(50 * time.Millisecond)
	for _, p := range subOut.packets() {
		if _, ok := p.(*packet.PUBLISH); ok {
			t.Fatal("a graceful DISCONNECT must discard the Will")
		}
	}
}

func TestSessionExpirySweepDropsIdleOfflineSession(t *testing.T) {
	orig := SessionExpiry
	SessionExpiry = 10 * time.Millisecond
	t.Cleanup(func() { SessionExpiry = orig })

	b := New()
	runBroker(t, b)

	out := &fakeOutbound{}
	connectAndWait(t, b, session.NewPersistentSession("c1"), out)
	b.Submit(ConnectionLost{SessionID: "c1"})

	time.Sleep(30 * time.Millisecond)
	b.sweepExpiredSessions(time.Now())

	if _, ok := b.sessions["c1"]; ok {
		t.Fatal("expected the idle offline session to be swept")
	}
}

func TestAuthorizationUpdateRevokesSubscription(t *testing.T) {
	b := New(WithAuthorizer(auth.AllowAll{}))
	runBroker(t, b)

	subOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("sub"), subOut)
	subscribe(b, "sub", "a/b", 0)

	waitFor(t, func() bool {
		sess, ok := b.sessions["sub"]
		return ok && len(sess.Subscriptions) == 1
	})

	b.authz = denySubscribe{}
	b.Submit(AuthorizationUpdate{})

	waitFor(t, func() bool {
		sess, ok := b.sessions["sub"]
		return ok && len(sess.Subscriptions) == 0
	})
}

// TestAuthorizationUpdateClosesRevokedSession covers spec.md §8 literal
// scenario 4: a session whose identity is no longer authorized to
// connect is closed and purged outright, not merely stripped of its
// subscriptions, and a subsequent reconnect is refused.
func TestAuthorizationUpdateClosesRevokedSession(t *testing.T) {
	authz := &toggleConnect{allow: true}
	b := New(WithAuthorizer(authz))
	runBroker(t, b)

	out := &fakeOutbound{}
	connectAndWait(t, b, session.NewPersistentSession("revoked"), out)
	subscribe(b, "revoked", "a/b", 0)

	waitFor(t, func() bool {
		sess, ok := b.sessions["revoked"]
		return ok && len(sess.Subscriptions) == 1
	})

	authz.setAllow(false)
	b.Submit(AuthorizationUpdate{})

	waitFor(t, func() bool {
		_, ok := b.sessions["revoked"]
		return !ok
	})
	if !out.closed {
		t.Fatal("expected the revoked session's connection to be closed")
	}

	res := connectAndWait(t, b, session.NewPersistentSession("revoked"), &fakeOutbound{})
	if res.Code.Code != packet.ErrNotAuthorized.Code {
		t.Fatalf("expected a reconnect to be refused as not authorized, got %v", res.Code)
	}
}

// denySubscribe permits every operation except Subscribe, isolating the
// subscription-revocation path from the session-eviction path above.
type denySubscribe struct{}

func (denySubscribe) Authorize(_ context.Context, _ auth.Identity, op auth.Operation, _ string) bool {
	return op != auth.OpSubscribe
}

// toggleConnect permits everything while allow is true and refuses
// OpConnect once flipped false, modeling a revoked identity.
type toggleConnect struct {
	mu    sync.Mutex
	allow bool
}

func (a *toggleConnect) setAllow(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allow = v
}

func (a *toggleConnect) Authorize(_ context.Context, _ auth.Identity, op auth.Operation, _ string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if op == auth.OpConnect {
		return a.allow
	}
	return true
}

// TestDeliverDeniesReceiveAuthorization covers spec.md §4.5's fourth
// activity: a subscriber can be permitted to Subscribe to a filter yet
// still be refused delivery of a particular publication under
// OpReceive.
func TestDeliverDeniesReceiveAuthorization(t *testing.T) {
	authz := &denyReceiveFor{topic: "a/b"}
	b := New(WithAuthorizer(authz))
	runBroker(t, b)

	pubOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("pub"), pubOut)
	subOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("sub"), subOut)
	subscribe(b, "sub", "a/b", 0)

	waitFor(t, func() bool {
		for _, p := range subOut.packets() {
			if _, ok := p.(*packet.SUBACK); ok {
				return true
			}
		}
		return false
	})

	b.Submit(ClientPacket{
		SessionID: "pub",
		Packet: &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 0},
			Message:     &packet.Message{TopicName: "a/b", Content: []byte("hi")},
		},
	})

	time.Sleep(50 * time.Millisecond)
	for _, p := range subOut.packets() {
		if _, ok := p.(*packet.PUBLISH); ok {
			t.Fatal("expected delivery to be refused by OpReceive")
		}
	}
}

type denyReceiveFor struct{ topic string }

func (d *denyReceiveFor) Authorize(_ context.Context, _ auth.Identity, op auth.Operation, topic string) bool {
	if op == auth.OpReceive {
		return topic != d.topic
	}
	return true
}

func TestRetainedMessageExpiresByTTL(t *testing.T) {
	b := New(WithRetained(10*time.Millisecond, 0))
	runBroker(t, b)

	pubOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("pub"), pubOut)
	b.Submit(ClientPacket{
		SessionID: "pub",
		Packet: &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: 0x3, QoS: 0, Retain: true},
			Message:     &packet.Message{TopicName: "status", Content: []byte("up")},
		},
	})

	time.Sleep(30 * time.Millisecond)

	subOut := &fakeOutbound{}
	connectAndWait(t, b, session.NewCleanSession("sub"), subOut)
	subscribe(b, "sub", "status", 0)

	time.Sleep(50 * time.Millisecond)
	for _, p := range subOut.packets() {
		if _, ok := p.(*packet.PUBLISH); ok {
			t.Fatal("expected no replay of a retained message past its expiration")
		}
	}
}

func TestRetainedStoreEvictsOldestOverMaxCount(t *testing.T) {
	r := newRetainedStore(0, 2)
	base := time.Now()

	r.Set(session.Publication{Topic: "a", Payload: []byte("1")}, base)
	r.Set(session.Publication{Topic: "b", Payload: []byte("2")}, base.Add(time.Millisecond))
	r.Set(session.Publication{Topic: "c", Payload: []byte("3")}, base.Add(2*time.Millisecond))

	if len(r.entries) != 2 {
		t.Fatalf("expected the store to hold at most 2 entries, got %d", len(r.entries))
	}
	if _, ok := r.entries["a"]; ok {
		t.Fatal("expected the oldest entry to be evicted first")
	}
	if _, ok := r.entries["c"]; !ok {
		t.Fatal("expected the newest entry to survive eviction")
	}
}
