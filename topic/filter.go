// Package topic implements MQTT 3.1.1 topic name and topic filter rules
// (spec.md §3 "Subscription", §4.3) and the subscription trie the broker
// matches publications against.
package topic

import (
	"fmt"
	"strings"
)

// ValidName reports whether s is usable as a PUBLISH topic name: non-empty
// and free of the two filter wildcards [MQTT-3.3.2-2].
func ValidName(s string) error {
	if s == "" {
		return fmt.Errorf("topic: empty topic name")
	}
	if strings.ContainsAny(s, "+#") {
		return fmt.Errorf("topic: topic name %q contains a wildcard", s)
	}
	return nil
}

// ValidFilter reports whether s is usable as a SUBSCRIBE/UNSUBSCRIBE topic
// filter: '+' only occupies a whole level, '#' only occupies the last
// level, MQTT 3.1.1 §4.7.1.
func ValidFilter(s string) error {
	if s == "" {
		return fmt.Errorf("topic: empty topic filter")
	}
	levels := strings.Split(s, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("topic: filter %q uses # before the last level", s)
			}
		case strings.Contains(level, "#"):
			return fmt.Errorf("topic: filter %q uses # within a level", s)
		case level == "+":
			// always valid
		case strings.Contains(level, "+"):
			return fmt.Errorf("topic: filter %q uses + within a level", s)
		}
	}
	return nil
}

// Matches reports whether topicName satisfies filter, honoring '+' and
// '#' wildcards. A filter whose first level is '+' or '#' never matches a
// topic name whose first level begins with '$' (spec.md §3, Glossary
// "Topic filter"), the convention MQTT reserves for broker-internal
// topics such as $SYS.
func Matches(filter, topicName string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topicName, "/")

	if len(topicLevels) > 0 && strings.HasPrefix(topicLevels[0], "$") {
		if filterLevels[0] == "+" || filterLevels[0] == "#" {
			return false
		}
	}

	for i, fl := range filterLevels {
		if fl == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl != "+" && fl != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
