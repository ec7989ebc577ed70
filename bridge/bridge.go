// Package bridge pumps publications between the local broker and a
// remote MQTT broker across an unreliable link, spooling what the
// local side accepts until the remote side acknowledges it
// (spec.md §4.6 "Bridge pipeline").
package bridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/golang-io/edgemq/config"
	"github.com/golang-io/edgemq/pubstore"
	"github.com/golang-io/edgemq/ring"
	"github.com/golang-io/edgemq/session"
)

const defaultBatchSize = 10

// Bridge moves publications between a local broker and a remote broker
// across two independent MQTT client connections, per spec.md §4.6:
// "out" rules forward local publications to the remote, "in" rules
// forward remote publications to the local broker.
type Bridge struct {
	name   string
	local  *pump
	remote *pump
	rules  []Rule

	store  pubstore.Store
	loader *pubstore.Loader
}

// New builds a Bridge from one bridge config block. localURL is the
// broker's own loopback listener address, since a bridge pump is just
// another MQTT client as far as the local broker is concerned.
func New(cfg config.Bridge) (*Bridge, error) {
	rules, err := FromConfig(cfg.Rules)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		name:   cfg.Name,
		rules:  rules,
		store:  store,
		loader: pubstore.NewLoader(store, defaultBatchSize),
	}

	b.local = newPump(cfg.Name+"/local", pumpConfig{
		URL:          cfg.LocalURL,
		ClientID:     fmt.Sprintf("%s-local-bridge", cfg.ClientID),
		CleanSession: true,
		KeepAlive:    30 * time.Second,
	}, rules, Out, b.onLocalMessage)

	remoteTLS, err := remoteTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	b.remote = newPump(cfg.Name+"/remote", pumpConfig{
		URL:          cfg.RemoteURL,
		ClientID:     cfg.ClientID,
		CleanSession: true,
		KeepAlive:    30 * time.Second,
		TLSConfig:    remoteTLS,
	}, rules, In, b.onRemoteMessage)

	return b, nil
}

func buildStore(cfg config.Bridge) (pubstore.Store, error) {
	if cfg.SpoolDir == "" {
		return pubstore.NewMemory(1000), nil
	}
	path := cfg.SpoolDir + "/" + cfg.Name + ".spool"
	buf, err := ring.Open(path, 16<<20, ring.FlushPolicy{Mode: ring.FlushAfterXBytes, EveryBytes: 64 << 10})
	if err != nil {
		return nil, fmt.Errorf("bridge %s: open spool: %w", cfg.Name, err)
	}
	return ringStore{buf}, nil
}

// ringStore adapts a ring.Buffer's byte-oriented Insert/Batch/Remove to
// pubstore.Store's session.Publication-oriented contract, encoding each
// publication with gob so the spool survives a restart.
type ringStore struct {
	buf *ring.Buffer
}

func (r ringStore) Insert(pub session.Publication) (pubstore.Key, error) {
	data, err := encodePublication(pub)
	if err != nil {
		return 0, err
	}
	key, status, err := r.buf.Insert(data)
	if err != nil {
		return 0, err
	}
	if status == ring.Pending {
		return 0, fmt.Errorf("bridge: spool full")
	}
	return pubstore.Key(key), nil
}

func (r ringStore) Get(amount int) []pubstore.Entry {
	recs, _, err := r.buf.Batch(amount)
	if err != nil {
		log.WithError(err).Warn("bridge: spool batch read failed")
		return nil
	}
	out := make([]pubstore.Entry, 0, len(recs))
	for _, rec := range recs {
		pub, err := decodePublication(rec.Value)
		if err != nil {
			log.WithError(err).Warn("bridge: spool record decode failed, skipping")
			continue
		}
		out = append(out, pubstore.Entry{Key: pubstore.Key(rec.Key), Pub: pub})
	}
	return out
}

func (r ringStore) Remove(key pubstore.Key) error {
	_, err := r.buf.Remove(int64(key))
	return err
}

func (r ringStore) Len() int { return 0 } // not tracked by the disk-backed ring

func remoteTLSConfig(cfg config.Bridge) (*tls.Config, error) {
	if cfg.RemoteCACert == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.RemoteCACert)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: read remote CA cert: %w", cfg.Name, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("bridge %s: no certificates found in %s", cfg.Name, cfg.RemoteCACert)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// onLocalMessage handles a publication the local pump's "out"
// subscriptions received: it is spooled rather than forwarded
// directly, so a remote outage never blocks or drops local traffic
// (spec.md §4.6 "At-least-once forwarding").
func (b *Bridge) onLocalMessage(topicName string, payload []byte, qos byte, retain bool) {
	translated, outQoS, ok := Translate(b.rules, Out, topicName)
	if !ok {
		return
	}
	pub := session.Publication{Topic: translated, Payload: payload, QoS: outQoS, Retain: retain}
	if qos < outQoS {
		pub.QoS = qos
	}
	if _, err := b.store.Insert(pub); err != nil {
		log.WithField("bridge", b.name).WithError(err).Warn("bridge: failed to spool outbound publication")
	}
}

// onRemoteMessage handles a publication the remote pump's "in"
// subscriptions received, forwarding it straight to the local broker:
// inbound traffic is not spooled since the local broker is always
// reachable from the bridge's own process.
func (b *Bridge) onRemoteMessage(topicName string, payload []byte, qos byte, retain bool) {
	translated, inQoS, ok := Translate(b.rules, In, topicName)
	if !ok {
		return
	}
	if err := b.local.publish(context.Background(), translated, payload, minQoS(qos, inQoS), retain); err != nil {
		log.WithField("bridge", b.name).WithError(err).Warn("bridge: failed to deliver inbound publication locally")
	}
}

func minQoS(a, b byte) byte {
	if a < b {
		return a
	}
	return b
}

// Run connects both pumps and drains the local spool into the remote
// pump until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return b.local.connect(gctx) })
	group.Go(func() error { return b.remote.connect(gctx) })
	if err := group.Wait(); err != nil {
		return fmt.Errorf("bridge %s: connect: %w", b.name, err)
	}
	defer b.local.disconnect()
	defer b.remote.disconnect()

	return b.forward(ctx)
}

// forward drains the spool in order, publishing each entry to the
// remote pump and removing it only once acknowledged.
func (b *Bridge) forward(ctx context.Context) error {
	for {
		entry, ok := b.loader.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// a non-waking store (ring.Buffer) returned empty; poll.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if err := b.remote.publish(ctx, entry.Pub.Topic, entry.Pub.Payload, entry.Pub.QoS, entry.Pub.Retain); err != nil {
			log.WithField("bridge", b.name).WithError(err).Warn("bridge: forward failed, leaving entry spooled")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if err := b.store.Remove(entry.Key); err != nil {
			log.WithField("bridge", b.name).WithError(err).Warn("bridge: failed to remove forwarded entry from spool")
		}
	}
}
