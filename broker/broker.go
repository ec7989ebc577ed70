package broker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/golang-io/edgemq/auth"
	"github.com/golang-io/edgemq/packet"
	"github.com/golang-io/edgemq/session"
	"github.com/golang-io/edgemq/store"
	"github.com/golang-io/edgemq/topic"
	"golang.org/x/sync/errgroup"
)

// SessionExpiry is how long an Offline Persistent session is kept before
// the sweep drops it (spec.md §3 "Session expiry"). It is a var, not a
// const, so tests can shrink it.
var SessionExpiry = 24 * time.Hour

const sweepInterval = time.Minute

// Broker owns every piece of server-wide state: sessions, the
// subscription trie, and retained messages. A single goroutine running
// Run is the only thing that ever reads or writes this state
// (spec.md §5): no mutex protects it, events are how the rest of the
// program reaches in.
type Broker struct {
	events chan Event

	authn auth.Authenticator
	authz auth.Authorizer
	store store.SessionStore

	sessions  map[string]*session.Session
	trie      *topic.Trie
	retained  *retainedStore
	commands  *CommandHandler

	generateID func() string
}

// Option configures a Broker at construction time.
type Option func(*Broker)

func WithAuthenticator(a auth.Authenticator) Option { return func(b *Broker) { b.authn = a } }
func WithAuthorizer(a auth.Authorizer) Option       { return func(b *Broker) { b.authz = a } }
func WithStore(s store.SessionStore) Option         { return func(b *Broker) { b.store = s } }
func WithIDGenerator(f func() string) Option        { return func(b *Broker) { b.generateID = f } }

// WithRetained bounds the retained-message store (spec.md §6
// "broker.retained"): expiration <= 0 means retained messages never
// expire by age, maxCount <= 0 means no count bound.
func WithRetained(expiration time.Duration, maxCount int) Option {
	return func(b *Broker) { b.retained = newRetainedStore(expiration, maxCount) }
}

// WithCommandHandler wires the sidecar control plane (spec.md §6
// "Sidecar control topics") into the broker. dyn and bridges may be nil.
// A malformed deliveryPattern disables the $edgehub/delivered pipeline
// and logs rather than failing construction.
func WithCommandHandler(dyn *auth.Dynamic, bridges BridgeReconciler, deliveryPattern string) Option {
	return func(b *Broker) {
		h, err := NewCommandHandler(b, dyn, bridges, deliveryPattern)
		if err != nil {
			log.WithError(err).Error("broker: invalid delivery_confirmation pattern, $edgehub/delivered disabled")
			h, _ = NewCommandHandler(b, dyn, bridges, "")
		}
		b.commands = h
	}
}

// New constructs a Broker. Call Run to start its event loop.
func New(opts ...Option) *Broker {
	b := &Broker{
		events:   make(chan Event, 256),
		authn:    auth.AllowAll{},
		authz:    auth.AllowAll{},
		store:    store.NullStore{},
		sessions: make(map[string]*session.Session),
		trie:     topic.NewTrie(),
		retained: newRetainedStore(0, 0),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Submit enqueues an event for the broker's Run loop. Safe to call from
// any goroutine.
func (b *Broker) Submit(e Event) { b.events <- e }

// Run is the broker's single-goroutine state machine. It returns when
// ctx is canceled or a Shutdown event is processed.
func (b *Broker) Run(ctx context.Context) {
	if restored, err := b.store.Load(); err != nil {
		log.WithError(newError(KindInternal, "load", err)).Error("broker: failed to load persisted sessions, starting empty")
	} else {
		b.sessions = restored
		for id, s := range b.sessions {
			for filter, qos := range s.Subscriptions {
				_ = b.trie.Subscribe(filter, id, qos)
			}
		}
	}

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			b.persist()
			return
		case <-sweep.C:
			now := time.Now()
			b.sweepExpiredSessions(now)
			b.retained.sweep(now)
		case ev := <-b.events:
			if b.handle(ev) {
				b.persist()
				return
			}
		}
	}
}

func (b *Broker) persist() {
	persistent := make(map[string]*session.Session, len(b.sessions))
	for id, s := range b.sessions {
		if !s.ClientID.CleanSession() {
			persistent[id] = s
		}
	}
	if err := b.store.Save(persistent); err != nil {
		log.WithError(newError(KindInternal, "persist", err)).Error("broker: failed to persist sessions")
	}
}

// handle processes one event, returning true if the broker should stop.
func (b *Broker) handle(ev Event) bool {
	switch e := ev.(type) {
	case ConnectRequest:
		b.handleConnect(e)
	case ClientPacket:
		b.handlePacket(e)
	case ConnectionLost:
		b.handleConnectionLost(e.SessionID)
	case CloseSession:
		b.handleCloseSession(e.SessionID)
	case SystemPublish:
		b.publish(session.Publication{Topic: e.Topic, Payload: e.Payload, QoS: e.QoS, Retain: e.Retain})
	case AuthorizationUpdate:
		b.reauthorize()
	case Shutdown:
		b.persist()
		if e.Done != nil {
			close(e.Done)
		}
		return true
	}
	return false
}

func (b *Broker) handleConnect(req ConnectRequest) {
	ctx := context.Background()
	identity, ok, err := b.authn.Authenticate(ctx, req.Creds)
	if err != nil {
		log.WithError(newError(KindInternal, "authenticate", err)).Warn("broker: authenticator error")
		req.Reply <- ConnectResult{Code: packet.ErrServerUnavailable}
		return
	}
	if !ok {
		req.Reply <- ConnectResult{Code: packet.ErrBadUsernameOrPassword}
		return
	}

	id := req.ClientID.String()

	if !b.authz.Authorize(ctx, identity, auth.OpConnect, id) {
		log.WithError(newError(KindNotAuthorized, "connect", nil)).WithField("session", id).Warn("broker: connect not authorized")
		req.Reply <- ConnectResult{Code: packet.ErrNotAuthorized}
		return
	}

	// spec.md §4.3 "Connect", the four cases:
	// 1. CleanSession: discard any prior session under this id, always Transient.
	// 2. Persistent, no prior session: create fresh Persistent, SessionPresent=false.
	// 3. Persistent, prior Offline session: resume it, SessionPresent=true.
	// 4. Persistent, prior session still Connected elsewhere: evict the old
	//    connection, resume its state.
	existing, hadPrior := b.sessions[id]
	sessionPresent := false

	var sess *session.Session
	switch {
	case req.ClientID.CleanSession():
		if hadPrior {
			b.evictSession(existing, id)
		}
		sess = session.New(req.ClientID, req.Version, req.KeepAlive)
		sess.State = session.Transient
		b.sessions[id] = sess
	case hadPrior:
		sess = existing
		if sess.Outbound != nil {
			// Case 4: a zombie connection is still attached. Force it
			// closed; its pump will report ConnectionLost, which we
			// ignore because the session row has already moved on.
			_ = sess.Outbound.Close()
		}
		sess.ProtocolVersion = req.Version
		sess.KeepAlive = req.KeepAlive
		sess.State = session.Persistent
		sessionPresent = true
	default:
		sess = session.New(req.ClientID, req.Version, req.KeepAlive)
		sess.State = session.Persistent
		b.sessions[id] = sess
	}

	sess.Outbound = req.Outbound
	sess.Will = req.Will
	sess.ConnectedAt = time.Now()
	sess.DisconnectedAt = time.Time{}

	req.Reply <- ConnectResult{Code: packet.CodeSuccess, SessionPresent: sessionPresent, SessionID: id}

	b.drainWaiting(sess)
}

// evictSession discards id entirely: used for CleanSession reconnects,
// where MQTT-3.1.2-6 requires wiping any prior state, and by reauthorize
// for a session that may no longer Connect.
func (b *Broker) evictSession(s *session.Session, id string) {
	if s.Outbound != nil {
		_ = s.Outbound.Close()
	}
	b.trie.RemoveSession(id)
	delete(b.sessions, id)
}

func (b *Broker) handlePacket(e ClientPacket) {
	sess, ok := b.sessions[e.SessionID]
	if !ok {
		log.WithError(newError(KindUnknownSession, "dispatch", nil)).WithField("session", e.SessionID).Warn("broker: packet for unknown session")
		return
	}

	switch pkt := e.Packet.(type) {
	case *packet.PUBLISH:
		b.handlePublish(sess, pkt)
	case *packet.PUBACK:
		if pub, ok := sess.OutInflight[pkt.PacketID]; ok {
			delete(sess.OutInflight, pkt.PacketID)
			b.confirmDelivery(pub)
		}
	case *packet.PUBREC:
		if _, ok := sess.OutInflight[pkt.PacketID]; ok {
			rel := &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: sess.ProtocolVersion, Kind: 0x6, QoS: 1}, PacketID: pkt.PacketID}
			_ = sess.Outbound.Send(rel)
		}
	case *packet.PUBREL:
		if pub, ok := sess.InInflight[pkt.PacketID]; ok {
			delete(sess.InInflight, pkt.PacketID)
			b.route(pub)
		}
		comp := &packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: sess.ProtocolVersion, Kind: 0x7}, PacketID: pkt.PacketID}
		_ = sess.Outbound.Send(comp)
	case *packet.PUBCOMP:
		if pub, ok := sess.OutInflight[pkt.PacketID]; ok {
			delete(sess.OutInflight, pkt.PacketID)
			b.confirmDelivery(pub)
		}
	case *packet.SUBSCRIBE:
		b.handleSubscribe(sess, pkt)
	case *packet.UNSUBSCRIBE:
		b.handleUnsubscribe(sess, pkt)
	case *packet.PINGREQ:
		_ = sess.Outbound.Send(&packet.PINGRESP{FixedHeader: &packet.FixedHeader{Version: sess.ProtocolVersion, Kind: 0xD}})
	}
}

func (b *Broker) handlePublish(sess *session.Session, pkt *packet.PUBLISH) {
	id := sess.ClientID.String()
	if !b.authz.Authorize(context.Background(), auth.Identity(id), auth.OpPublish, pkt.Message.TopicName) {
		log.WithError(newError(KindNotAuthorized, "publish", nil)).WithFields(log.Fields{"session": id, "topic": pkt.Message.TopicName}).Warn("broker: publish not authorized")
		return
	}

	pub := session.Publication{
		Topic:   pkt.Message.TopicName,
		Payload: pkt.Message.Content,
		QoS:     pkt.QoS,
		Retain:  pkt.Retain,
		Sender:  id,
	}

	switch pkt.QoS {
	case 0:
		b.route(pub)
	case 1:
		b.route(pub)
		_ = sess.Outbound.Send(&packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: sess.ProtocolVersion, Kind: 0x4}, PacketID: pkt.PacketID})
	case 2:
		sess.InInflight[pkt.PacketID] = pub
		_ = sess.Outbound.Send(&packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: sess.ProtocolVersion, Kind: 0x5}, PacketID: pkt.PacketID})
	}

	if pkt.Retain && !IsCommandTopic(pub.Topic) {
		b.retained.Set(pub, time.Now())
	}
}

// route sends pub to the sidecar CommandHandler if it targets the
// $edgehub/... control-plane namespace, otherwise fans it out to
// subscribers as an ordinary application message (spec.md §6 "Sidecar
// control topics").
func (b *Broker) route(pub session.Publication) {
	if IsCommandTopic(pub.Topic) {
		if b.commands != nil {
			b.commands.Handle(pub.Topic, pub.Payload)
		}
		return
	}
	b.publish(pub)
}

func (b *Broker) handleSubscribe(sess *session.Session, pkt *packet.SUBSCRIBE) {
	id := sess.ClientID.String()
	codes := make([]packet.ReasonCode, len(pkt.Subscriptions))

	for i, sub := range pkt.Subscriptions {
		if err := topic.ValidFilter(sub.TopicFilter); err != nil {
			codes[i] = packet.ErrSubscribeFailed
			continue
		}
		if !b.authz.Authorize(context.Background(), auth.Identity(id), auth.OpSubscribe, sub.TopicFilter) {
			codes[i] = packet.ErrSubscribeFailed
			continue
		}
		if err := b.trie.Subscribe(sub.TopicFilter, id, sub.MaxQoS); err != nil {
			codes[i] = packet.ErrSubscribeFailed
			continue
		}
		sess.Subscriptions[sub.TopicFilter] = sub.MaxQoS
		codes[i] = packet.ReasonCode{Code: sub.MaxQoS}
		b.replayRetained(sess, sub.TopicFilter, sub.MaxQoS)
	}

	_ = sess.Outbound.Send(&packet.SUBACK{
		FixedHeader: &packet.FixedHeader{Version: sess.ProtocolVersion, Kind: 0x9},
		PacketID:    pkt.PacketID,
		ReturnCodes: codes,
	})
}

func (b *Broker) replayRetained(sess *session.Session, filter string, maxQoS uint8) {
	for _, pub := range b.retained.Match(filter, time.Now()) {
		qos := pub.QoS
		if maxQoS < qos {
			qos = maxQoS
		}
		b.deliver(sess, pub, qos, true)
	}
}

// confirmDelivery reports a completed outbound QoS 1/2 delivery to the
// sidecar's $edgehub/delivered pipeline, if configured (spec.md §9 Open
// Question resolution).
func (b *Broker) confirmDelivery(pub session.Publication) {
	if b.commands != nil {
		b.commands.deliveryConfirmed(pub)
	}
}

func (b *Broker) handleUnsubscribe(sess *session.Session, pkt *packet.UNSUBSCRIBE) {
	id := sess.ClientID.String()
	for _, filter := range pkt.TopicFilters {
		b.trie.Unsubscribe(filter, id)
		delete(sess.Subscriptions, filter)
	}
	_ = sess.Outbound.Send(&packet.UNSUBACK{FixedHeader: &packet.FixedHeader{Version: sess.ProtocolVersion, Kind: 0xB}, PacketID: pkt.PacketID})
}

// publish fans a Publication out to every matching, currently-connected
// session (and queues it for offline ones), concurrently, the same
// errgroup-based fan-out idiom this broker's ancestor uses for its
// per-topic subscriber list.
func (b *Broker) publish(pub session.Publication) {
	matches := b.trie.Match(pub.Topic)
	g, _ := errgroup.WithContext(context.Background())
	for sid, grantedQoS := range matches {
		sess, ok := b.sessions[sid]
		if !ok {
			continue
		}
		qos := pub.QoS
		if grantedQoS < qos {
			qos = grantedQoS
		}
		sess, qos := sess, qos
		g.Go(func() error {
			b.deliver(sess, pub, qos, false)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Broker) deliver(sess *session.Session, pub session.Publication, qos uint8, retained bool) {
	id := sess.ClientID.String()
	if !b.authz.Authorize(context.Background(), auth.Identity(id), auth.OpReceive, pub.Topic) {
		log.WithError(newError(KindNotAuthorized, "receive", nil)).WithFields(log.Fields{"session": id, "topic": pub.Topic}).Warn("broker: delivery not authorized")
		return
	}

	if sess.Outbound == nil {
		sess.Waiting = append(sess.Waiting, session.Waiting{Pub: pub, QoS: qos, Enqueued: time.Now()})
		return
	}

	out := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: sess.ProtocolVersion, Kind: 0x3, QoS: qos, Retain: retained},
		Message:     &packet.Message{TopicName: pub.Topic, Content: pub.Payload},
	}
	if qos > 0 {
		out.PacketID = sess.AllocatePacketID()
		sess.OutInflight[out.PacketID] = pub
	}
	if err := sess.Outbound.Send(out); err != nil {
		log.WithError(err).WithField("session", sess.ClientID.String()).Warn("broker: delivery failed")
	}
}

// drainWaiting flushes a reconnected session's queued publications in
// order (spec.md §3 "Waiting").
func (b *Broker) drainWaiting(sess *session.Session) {
	waiting := sess.Waiting
	sess.Waiting = nil
	for _, w := range waiting {
		b.deliver(sess, w.Pub, w.QoS, false)
	}
}

func (b *Broker) handleConnectionLost(id string) {
	sess, ok := b.sessions[id]
	if !ok {
		return
	}
	sess.Outbound = nil
	sess.DisconnectedAt = time.Now()

	if sess.Will != nil {
		b.publish(session.Publication{
			Topic:   sess.Will.Topic,
			Payload: sess.Will.Payload,
			QoS:     sess.Will.QoS,
			Retain:  sess.Will.Retain,
			Sender:  id,
		})
		sess.Will = nil
	}

	if sess.ClientID.CleanSession() {
		b.trie.RemoveSession(id)
		delete(b.sessions, id)
		return
	}
	sess.State = session.Offline
}

func (b *Broker) handleCloseSession(id string) {
	sess, ok := b.sessions[id]
	if !ok {
		return
	}
	sess.Will = nil // [MQTT-3.14.4-3]: graceful DISCONNECT discards the Will.
	b.handleConnectionLost(id)
}

func (b *Broker) sweepExpiredSessions(now time.Time) {
	for id, sess := range b.sessions {
		if sess.Idle(SessionExpiry, now) {
			b.trie.RemoveSession(id)
			delete(b.sessions, id)
			log.WithField("session", id).Info("broker: expired offline session")
		}
	}
}

// reauthorize re-evaluates every live session and subscription against
// the current Authorizer (spec.md §4.3 "Authorization update"). A
// session whose identity can no longer Connect is closed outright and,
// since it can no longer reconnect either, its offline state is purged
// rather than left Offline (spec.md §8 literal scenario 4). Surviving
// sessions keep only the subscriptions still permitted.
func (b *Broker) reauthorize() {
	ctx := context.Background()
	for id, sess := range b.sessions {
		if !b.authz.Authorize(ctx, auth.Identity(id), auth.OpConnect, id) {
			log.WithField("session", id).Info("broker: session closed and purged, no longer authorized to connect")
			b.evictSession(sess, id)
			continue
		}
		for filter := range sess.Subscriptions {
			if !b.authz.Authorize(ctx, auth.Identity(id), auth.OpSubscribe, filter) {
				b.trie.Unsubscribe(filter, id)
				delete(sess.Subscriptions, filter)
				log.WithFields(log.Fields{"session": id, "filter": filter}).Info("broker: subscription revoked by authorization update")
			}
		}
	}
}
