// Package edgemq implements an MQTT 3.1.1 broker sized for a single
// edge device: one broker-owned goroutine holds all session and
// subscription state, fed by per-connection pump goroutines
// (spec.md §2 "System overview").
package edgemq

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/golang-io/edgemq/broker"
	"github.com/golang-io/edgemq/packet"
)

const shutdownPollIntervalMax = 500 * time.Millisecond

// ErrServerClosed is returned by Serve methods after Shutdown or Close.
var ErrServerClosed = errors.New("edgemq: server closed")

// A Server owns the Broker and every listener feeding it
// (spec.md §6 "External interfaces").
type Server struct {
	Broker *broker.Broker

	// IDGenerator produces a ClientId for a CONNECT that supplied none
	// (spec.md §3 "ClientId", ServerGenerated case). Defaults to
	// uuid.NewString.
	IDGenerator func() string

	ConnState   func(net.Conn, ConnState)
	ConnContext func(ctx context.Context, c net.Conn) context.Context

	inShutdown atomic.Bool

	mu            sync.RWMutex
	listeners     map[*net.Listener]struct{}
	activeConn    map[*conn]struct{}
	listenerGroup sync.WaitGroup

	brokerCancel context.CancelFunc
}

// NewServer constructs a Server around b and starts its event loop.
func NewServer(ctx context.Context, b *broker.Broker) *Server {
	brokerCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		Broker:       b,
		IDGenerator:  uuid.NewString,
		listeners:    make(map[*net.Listener]struct{}),
		activeConn:   make(map[*conn]struct{}),
		brokerCancel: cancel,
	}
	go b.Run(brokerCtx)
	return s
}

func (s *Server) newConn(rwc net.Conn) *conn {
	return &conn{
		server: s,
		rwc:    rwc,
		outbox: make(chan packet.Packet, 64),
		closed: make(chan struct{}),
	}
}

// Serve accepts connections on l until it errors or the server shuts
// down, spawning one connection-pump goroutine per accepted conn.
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	ctx := context.Background()
	for {
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		connCtx := ctx
		if cc := s.ConnContext; cc != nil {
			connCtx = cc(connCtx, rw)
			if connCtx == nil {
				panic("edgemq: ConnContext returned nil")
			}
		}
		c := s.newConn(rw)
		c.setState(c.rwc, StateNew, true)
		go c.serve(connCtx)
	}
}

// ListenAndServe listens for plain TCP MQTT connections on addr.
func (s *Server) ListenAndServe(addr string) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	u, err := url.Parse(addr)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	log.Infof("edgemq: mqtt listening on %s", u.Host)
	return s.Serve(ln)
}

// ServeTLS wraps l in a TLS listener built from certFile/keyFile
// (spec.md §6 "TLS termination").
func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	return s.Serve(tls.NewListener(l, cfg))
}

// ListenAndServeTLS listens for TLS MQTT connections on addr.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	u, err := url.Parse(addr)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	log.Infof("edgemq: mqtts listening on %s", u.Host)
	return s.ServeTLS(ln, certFile, keyFile)
}

// ListenAndServeWebsocket serves MQTT-over-WebSocket on addr
// (spec.md §6 "WebSocket listener").
func (s *Server) ListenAndServeWebsocket(addr string) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	u, err := url.Parse(addr)
	if err != nil {
		return err
	}
	handler := websocket.Handler(func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		c := s.newConn(ws)
		c.setState(c.rwc, StateNew, true)
		c.serve(context.Background())
	})

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	log.Infof("edgemq: websocket listening on %s", u.Host)
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	return http.Serve(ln, mux)
}

// Shutdown gracefully stops accepting connections, stops the broker
// (persisting its sessions), and waits for idle connections to close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	s.mu.Unlock()
	s.listenerGroup.Wait()

	done := make(chan struct{})
	s.Broker.Submit(broker.Shutdown{Done: done})
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.brokerCancel()

	pollBase := time.Millisecond
	nextPoll := func() time.Duration {
		interval := pollBase + time.Duration(rand.Intn(int(pollBase/10+1)))
		pollBase *= 2
		if pollBase > shutdownPollIntervalMax {
			pollBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPoll())
	defer timer.Stop()
	for {
		if s.closeIdleConns() {
			return lnerr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPoll())
		}
	}
}

func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiescent := true
	for c := range s.activeConn {
		st, unixSec := c.getState()
		if st == StateNew && unixSec < time.Now().Unix()-5 {
			st = StateIdle
		}
		if st != StateIdle || unixSec == 0 {
			quiescent = false
			continue
		}
		_ = c.rwc.Close()
		delete(s.activeConn, c)
	}
	return quiescent
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		stat.ActiveConnections.Inc()
		s.activeConn[c] = struct{}{}
	} else {
		stat.ActiveConnections.Dec()
		delete(s.activeConn, c)
	}
}

func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) shuttingDown() bool { return s.inShutdown.Load() }
