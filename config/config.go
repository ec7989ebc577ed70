// Package config loads the broker's JSON configuration file
// (spec.md §6 "Configuration"). No pack repo this broker is grounded on
// parses TOML or YAML for its primary config, so JSON was chosen to
// match the teacher's own config.json-style deployment story.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Listen describes one network endpoint the broker binds.
type Listen struct {
	URL      string `json:"url"`
	CertFile string `json:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty"`
}

// Auth selects and configures the authentication/authorization mode
// (spec.md §4.5, §6 "auth.mode").
type Auth struct {
	Mode   string            `json:"mode"` // "none", "static", "remote"
	Static map[string]string `json:"static,omitempty"`
	Remote string            `json:"remoteURL,omitempty"`
}

// Persistence configures the session store (spec.md §4.4).
type Persistence struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// BridgeRule translates topics crossing from one broker side to the
// other (spec.md §4.6 "Topic rule translation").
type BridgeRule struct {
	Pattern      string `json:"pattern"`
	StripPrefix  string `json:"stripPrefix,omitempty"`
	AddPrefix    string `json:"addPrefix,omitempty"`
	QoS          uint8  `json:"qos"`
	Direction    string `json:"direction"` // "out", "in", "both"
}

// Bridge configures one local<->remote MQTT bridge pipeline
// (spec.md §4.6 "Bridge").
type Bridge struct {
	Name         string       `json:"name"`
	LocalURL     string       `json:"localURL"`
	RemoteURL    string       `json:"remoteURL"`
	RemoteCACert string       `json:"remoteCACert,omitempty"`
	ClientID     string       `json:"clientID"`
	Rules        []BridgeRule `json:"rules"`
	SpoolDir     string       `json:"spoolDir"`
}

// Metrics configures the Prometheus/pprof sidecar (spec.md §6 "Metrics
// sidecar").
type Metrics struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
}

// Retained bounds the retained-message store's eviction policy
// (spec.md §3 "Retained messages", §6 "broker.retained"). Zero values
// mean no bound: retained messages never expire by age and the store
// holds an unbounded count.
type Retained struct {
	ExpirationSeconds int `json:"expirationSeconds,omitempty"`
	MaxCount          int `json:"maxCount,omitempty"`
}

// DeliveryConfirmation configures the $edgehub/delivered
// publish-confirmation pipeline (spec.md §6, §9 Open Question
// resolution): Pattern is a regular expression matched against a
// publication's topic before a completed QoS 1/2 delivery is reported.
// An empty Pattern disables the pipeline.
type DeliveryConfirmation struct {
	Pattern string `json:"pattern,omitempty"`
}

// Config is the root of the broker's JSON configuration tree
// (spec.md §6).
type Config struct {
	MQTT      Listen      `json:"mqtt"`
	MQTTS     Listen      `json:"mqtts"`
	WebSocket Listen      `json:"websocket"`
	// System is the loopback listener the sidecar control plane
	// connects to; publications to $edgehub/... arriving on any
	// listener are routed to the broker's CommandHandler, but System is
	// the listener meant to be bound to a non-public address
	// (spec.md §6 "Sidecar control topics").
	System  Listen      `json:"system,omitempty"`
	Auth    Auth        `json:"auth"`
	Persist Persistence `json:"persistence"`
	Bridges []Bridge    `json:"bridges,omitempty"`
	Metrics Metrics     `json:"metrics"`

	Retained Retained             `json:"retained,omitempty"`
	Delivery DeliveryConfirmation `json:"deliveryConfirmation,omitempty"`

	SessionExpirySeconds int `json:"sessionExpirySeconds"`
}

// Default returns a Config usable out of the box: plain MQTT on 1883,
// no auth, no persistence, metrics on 0.0.0.0:9090, no sidecar system
// listener, unbounded retained messages.
func Default() *Config {
	return &Config{
		MQTT:                 Listen{URL: "mqtt://0.0.0.0:1883"},
		Auth:                 Auth{Mode: "none"},
		Persist:              Persistence{Enabled: false},
		Metrics:              Metrics{Enabled: true, URL: "http://0.0.0.0:9090"},
		SessionExpirySeconds: 86400,
	}
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
