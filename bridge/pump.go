package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	initialRetryDelay = time.Second
	maxRetryDelay     = 120 * time.Second
)

// pumpConfig is the connection-level configuration for one side of a
// bridge (spec.md §4.6 "two MQTT client engines").
type pumpConfig struct {
	URL          string
	ClientID     string
	Username     string
	Password     string
	TLSConfig    *tls.Config
	KeepAlive    time.Duration
	CleanSession bool
}

// messageHandler receives every message a pump's subscriptions deliver.
type messageHandler func(topicName string, payload []byte, qos byte, retain bool)

// pump wraps one paho.mqtt.golang client, the engine spec.md §4.6 calls
// for on each side of a bridge, with the reconnect-with-backoff idiom
// used throughout the example pack's hand-rolled MQTT clients.
type pump struct {
	name   string
	cfg    pumpConfig
	rules  []Rule
	dir    Direction
	onMsg  messageHandler
	client mqtt.Client
}

func newPump(name string, cfg pumpConfig, rules []Rule, dir Direction, onMsg messageHandler) *pump {
	return &pump{name: name, cfg: cfg, rules: rules, dir: dir, onMsg: onMsg}
}

// connect dials the broker, retrying with exponential backoff (capped
// at maxRetryDelay) until ctx is done, since paho's own AutoReconnect
// does not cover the first connection attempt.
func (p *pump) connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.URL)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetUsername(p.cfg.Username)
	opts.SetPassword(p.cfg.Password)
	if p.cfg.TLSConfig != nil {
		opts.SetTLSConfig(p.cfg.TLSConfig)
	}
	opts.SetCleanSession(p.cfg.CleanSession)
	opts.SetKeepAlive(p.cfg.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxRetryDelay)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.WithField("pump", p.name).Info("bridge: pump connected")
		p.resubscribe()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithField("pump", p.name).WithError(err).Warn("bridge: pump connection lost")
	})

	p.client = mqtt.NewClient(opts)

	delay := initialRetryDelay
	for {
		token := p.client.Connect()
		token.Wait()
		if err := token.Error(); err == nil {
			return nil
		} else {
			log.WithField("pump", p.name).WithError(err).Warnf("bridge: connect failed, retrying in %s", delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (p *pump) resubscribe() {
	for _, r := range p.rules {
		if r.Direction != Both && r.Direction != p.dir {
			continue
		}
		pattern, qos := r.Pattern, r.QoS
		token := p.client.Subscribe(pattern, qos, func(_ mqtt.Client, m mqtt.Message) {
			p.onMsg(m.Topic(), m.Payload(), m.Qos(), m.Retained())
		})
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				log.WithField("pump", p.name).WithError(err).Warnf("bridge: subscribe %q failed", pattern)
			}
		}()
	}
}

// publish sends payload to topicName and blocks until the broker
// acknowledges it (or ctx is done), so the caller can safely remove the
// publication from its spool only on success.
func (p *pump) publish(ctx context.Context, topicName string, payload []byte, qos byte, retain bool) error {
	token := p.client.Publish(topicName, qos, retain, payload)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pump) disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *pump) connected() bool {
	return p.client != nil && p.client.IsConnected()
}

var errPumpNotConnected = fmt.Errorf("bridge: pump not connected")
