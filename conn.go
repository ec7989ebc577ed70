package edgemq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/golang-io/edgemq/auth"
	"github.com/golang-io/edgemq/broker"
	"github.com/golang-io/edgemq/packet"
	"github.com/golang-io/edgemq/session"
	"golang.org/x/net/websocket"
)

// initialPacketTimeout bounds how long a new connection is given to
// send its CONNECT before the server gives up on it (spec.md §4.2
// "Connect await").
const initialPacketTimeout = 10 * time.Second

// conn is the server side of one client transport. It owns no broker
// state directly; it is the pump that moves decoded packets into the
// broker's event channel and broker-issued packets back out to the wire
// (spec.md §4.2 "Connection processor").
type conn struct {
	server *Server

	cancelCtx context.CancelFunc

	rwc        net.Conn
	remoteAddr string
	tlsState   *tls.ConnectionState

	curState atomic.Uint64

	sessionID     string
	version       byte
	lastKeepAlive uint16

	outbox chan packet.Packet
	closed chan struct{}
	once   sync.Once

	writeMu sync.Mutex
}

// Send implements session.Outbound. It must never block the broker
// goroutine, so a full outbox drops the connection rather than stall.
func (c *conn) Send(pkt packet.Packet) error {
	select {
	case c.outbox <- pkt:
		return nil
	default:
		c.shutdown()
		go c.rwc.Close()
		return fmt.Errorf("conn: outbox full for session %s", c.sessionID)
	}
}

// Close implements session.Outbound.
func (c *conn) Close() error {
	c.shutdown()
	return c.rwc.Close()
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

func (c *conn) setState(nc net.Conn, state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateHijacked, StateClosed:
		srv.trackConn(c, false)
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
	if runHook {
		if hook := srv.ConnState; hook != nil {
			hook(nc, state)
		}
	}
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case pkt := <-c.outbox:
			c.writeMu.Lock()
			err := pkt.Pack(c.rwc)
			c.writeMu.Unlock()
			if err != nil {
				log.WithError(err).WithField("remote", c.remoteAddr).Warn("edgemq: write failed")
				c.shutdown()
				return
			}
			stat.PacketSent.Inc()
		}
	}
}

// serve drives one connection end to end: await CONNECT, register with
// the broker, pump packets until the transport or session ends.
func (c *conn) serve(ctx context.Context) {
	if ws, ok := c.rwc.(*websocket.Conn); ok && ws.Request() != nil {
		c.remoteAddr = ws.Request().RemoteAddr
	} else if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}

	log.WithField("remote", c.remoteAddr).Info("edgemq: connection accepted")

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			buf = buf[:runtime.Stack(buf, false)]
			log.Errorf("edgemq: panic serving %v: %v\n%s", c.remoteAddr, r, buf)
		}
		c.shutdown()
		_ = c.rwc.Close()
		c.setState(c.rwc, StateClosed, true)
		if c.sessionID != "" {
			c.server.Broker.Submit(broker.ConnectionLost{SessionID: c.sessionID})
		}
		log.WithField("remote", c.remoteAddr).Info("edgemq: connection closed")
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		deadline := time.Now().Add(10 * time.Second)
		_ = c.rwc.SetReadDeadline(deadline)
		_ = c.rwc.SetWriteDeadline(deadline)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			log.WithError(err).Warn("edgemq: TLS handshake failed")
			return
		}
		_ = c.rwc.SetReadDeadline(time.Time{})
		_ = c.rwc.SetWriteDeadline(time.Time{})
		st := tlsConn.ConnectionState()
		c.tlsState = &st
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel
	defer cancel()

	go c.writeLoop()

	if !c.awaitConnect(ctx) {
		return
	}

	for {
		_ = c.rwc.SetReadDeadline(readDeadline(c.keepAlive()))
		pkt, err := packet.Unpack(c.version, c.rwc)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).WithField("remote", c.remoteAddr).Warn("edgemq: malformed packet, closing")
			}
			return
		}
		stat.PacketReceived.Inc()
		c.setState(c.rwc, StateActive, true)

		if c.dispatch(pkt) {
			return
		}
		c.setState(c.rwc, StateIdle, true)
	}
}

func (c *conn) keepAlive() uint16 {
	// A session's KeepAlive is only known to the broker, but the
	// connection enforces the 1.5x grace window itself to avoid a
	// broker round trip on every read (spec.md §4.2 "Keep alive").
	return c.lastKeepAlive
}

func readDeadline(keepAlive uint16) time.Time {
	if keepAlive == 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(float64(keepAlive)*1.5) * time.Second)
}

// awaitConnect reads the first packet, requires it to be CONNECT, and
// blocks until the broker admits or refuses the session.
func (c *conn) awaitConnect(ctx context.Context) bool {
	_ = c.rwc.SetReadDeadline(time.Now().Add(initialPacketTimeout))
	pkt, err := packet.Unpack(packet.VERSION311, c.rwc)
	if err != nil {
		log.WithError(err).WithField("remote", c.remoteAddr).Warn("edgemq: failed to read initial CONNECT")
		return false
	}
	connect, ok := pkt.(*packet.CONNECT)
	if !ok {
		log.WithField("remote", c.remoteAddr).Warn("edgemq: first packet was not CONNECT")
		return false
	}

	c.version = connect.Version
	c.lastKeepAlive = connect.KeepAlive

	clientID := resolveClientID(connect, c.server.IDGenerator)

	var will *packet.Will
	if w, ok := connect.Will(); ok {
		will = &packet.Will{Topic: w.Topic, Payload: w.Payload, QoS: w.QoS, Retain: w.Retain}
	}

	reply := make(chan broker.ConnectResult, 1)
	c.server.Broker.Submit(broker.ConnectRequest{
		ClientID:  clientID,
		Version:   connect.Version,
		KeepAlive: connect.KeepAlive,
		Will:      will,
		Creds:     auth.Credentials{Username: connect.Username, Password: connect.Password},
		Outbound:  c,
		Reply:     reply,
	})

	var result broker.ConnectResult
	select {
	case result = <-reply:
	case <-ctx.Done():
		return false
	}

	connack := &packet.CONNACK{
		FixedHeader:    &packet.FixedHeader{Version: c.version, Kind: 0x2},
		SessionPresent: result.SessionPresent,
		ReturnCode:     result.Code,
	}
	if err := connack.Pack(c.rwc); err != nil {
		return false
	}
	stat.PacketSent.Inc()

	if result.Code.Code != packet.CodeSuccess.Code {
		return false
	}
	c.sessionID = result.SessionID
	_ = c.rwc.SetReadDeadline(time.Time{})
	return true
}

// dispatch forwards pkt to the broker; a DISCONNECT is forwarded as
// CloseSession. It reports whether the connection should close, which
// only DISCONNECT does.
func (c *conn) dispatch(pkt packet.Packet) bool {
	switch p := pkt.(type) {
	case *packet.DISCONNECT:
		c.server.Broker.Submit(broker.CloseSession{SessionID: c.sessionID})
		return true
	case *packet.PINGREQ:
		c.server.Broker.Submit(broker.ClientPacket{SessionID: c.sessionID, Packet: p})
		return false
	default:
		c.server.Broker.Submit(broker.ClientPacket{SessionID: c.sessionID, Packet: pkt})
		return false
	}
}

// resolveClientID implements the three ClientId constructors CONNECT can
// select between (spec.md §3 "ClientId", §4.3 "Connect").
func resolveClientID(connect *packet.CONNECT, generate func() string) session.ClientID {
	if connect.ClientID == "" {
		return session.NewServerGenerated(generate())
	}
	if connect.ConnectFlags.CleanSession() {
		return session.NewCleanSession(connect.ClientID)
	}
	return session.NewPersistentSession(connect.ClientID)
}

type ConnState int

const (
	StateNew ConnState = iota
	StateActive
	StateIdle
	StateHijacked
	StateClosed
)

var ErrAbortHandler = errors.New("edgemq: abort handler")
