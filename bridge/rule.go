package bridge

import (
	"fmt"
	"strings"

	"github.com/golang-io/edgemq/config"
	"github.com/golang-io/edgemq/topic"
)

// Direction says which side of a bridge a Rule moves messages towards
// (spec.md §4.6 "Topic rule translation").
type Direction int

const (
	Out Direction = iota // local -> remote
	In                    // remote -> local
	Both
)

func parseDirection(s string) (Direction, error) {
	switch s {
	case "", "out":
		return Out, nil
	case "in":
		return In, nil
	case "both":
		return Both, nil
	default:
		return 0, fmt.Errorf("bridge: unknown rule direction %q", s)
	}
}

// Rule translates one topic namespace crossing a bridge, the Go
// counterpart of the forwards()/subscriptions() rule lists built in
// original_source/mqtt/mqtt-bridge/src/bridge/builder.rs.
type Rule struct {
	Pattern     string
	StripPrefix string
	AddPrefix   string
	QoS         uint8
	Direction   Direction
}

// FromConfig converts the bridge's JSON rule list into Rules, validating
// each pattern as an MQTT topic filter.
func FromConfig(rules []config.BridgeRule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if err := topic.ValidFilter(r.Pattern); err != nil {
			return nil, fmt.Errorf("bridge: rule pattern %q: %w", r.Pattern, err)
		}
		dir, err := parseDirection(r.Direction)
		if err != nil {
			return nil, err
		}
		out = append(out, Rule{
			Pattern:     r.Pattern,
			StripPrefix: r.StripPrefix,
			AddPrefix:   r.AddPrefix,
			QoS:         r.QoS,
			Direction:   dir,
		})
	}
	return out, nil
}

// Translate finds the first rule matching name for dir and returns the
// topic name to use on the other side of the bridge.
func Translate(rules []Rule, dir Direction, name string) (string, uint8, bool) {
	for _, r := range rules {
		if r.Direction != Both && r.Direction != dir {
			continue
		}
		if !topic.Matches(r.Pattern, name) {
			continue
		}
		out := name
		if r.StripPrefix != "" && strings.HasPrefix(out, r.StripPrefix) {
			out = out[len(r.StripPrefix):]
		}
		if r.AddPrefix != "" {
			out = r.AddPrefix + out
		}
		return out, r.QoS, true
	}
	return "", 0, false
}
